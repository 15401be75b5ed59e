package importer

import (
	"context"
	"fmt"
	"log"

	"github.com/podushkina/iiifimport/internal/blob"
	"github.com/podushkina/iiifimport/internal/queue"
	"github.com/podushkina/iiifimport/internal/resource"
	"github.com/podushkina/iiifimport/internal/task"
)

const (
	CanvasType = "canvas-import"

	canvasInProgress = "in progress"
	untitledCanvas   = "Untitled canvas"
)

var CanvasStatus = task.Vocabulary{
	"pending",
	"accepted",
	canvasInProgress,
	statusDone,
}

// NewCanvasTask builds a pending task importing one canvas of the manifest
// stored at manifestPath.
func NewCanvasTask(canvasID string, userID int, manifestPath, manifestID string) *task.Task {
	return &task.Task{
		Type:        CanvasType,
		Name:        "Importing canvas",
		Description: "Importing canvas from url " + canvasID,
		Subject:     canvasID,
		Status:      task.StatusPending,
		StatusText:  CanvasStatus.Text(task.StatusPending),
		Parameters: mustMarshal(CanvasParams{
			UserID:       userID,
			ManifestPath: manifestPath,
			ManifestID:   manifestID,
		}),
		Events:  []string{task.EventCreated},
		Creator: creator(userID),
	}
}

func (im *Importer) HandleCanvas(ctx context.Context, j *queue.Job) error {
	if j.Name != task.EventCreated {
		return unknownEvent(j)
	}

	t, ok, err := im.accept(ctx, j, CanvasStatus)
	if err != nil || !ok {
		return err
	}
	if err := im.importCanvas(ctx, t); err != nil {
		return im.fail(ctx, t, CanvasStatus, CanvasState{Error: err.Error()}, err)
	}
	return nil
}

func (im *Importer) importCanvas(ctx context.Context, t *task.Task) error {
	var params CanvasParams
	if err := t.DecodeParameters(&params); err != nil {
		return err
	}

	m, err := im.loadManifest(ctx, params.ManifestPath, params.ManifestID)
	if err != nil {
		return err
	}
	order := m.CanvasIndex(t.Subject)
	if order < 0 {
		return fmt.Errorf("canvas %s not found in manifest %s", t.Subject, params.ManifestID)
	}
	c := m.Canvases[order]

	name := c.Label.String()
	if name == "" {
		name = untitledCanvas
	}

	existing, owned, found, err := im.lookup(ctx, t, resource.KindCanvas, c.ID)
	if err != nil {
		return err
	}
	if found && !owned {
		log.Printf("task %s type=%s duplicate of resource %d source=%s", t.ID, t.Type, existing, c.ID)
		return im.transition(ctx, t, CanvasStatus, statusDone, task.Patch{
			Name:  task.String(name),
			State: CanvasState{OmekaID: existing, IsDuplicate: true, CanvasOrder: &order},
		})
	}

	if err := im.transition(ctx, t, CanvasStatus, canvasInProgress, task.Patch{
		Name:  task.String(name),
		State: CanvasState{CanvasOrder: &order},
	}); err != nil {
		return err
	}

	if err := im.blobs.Write(blob.CanvasPath(params.ManifestID, order), c.Raw); err != nil {
		return err
	}

	fields := metadata(c.Label, c.Summary, untitledCanvas)
	id := existing
	if found {
		log.Printf("task %s type=%s resuming with resource %d", t.ID, t.Type, id)
		if err := im.resources.AttachMetadata(ctx, id, fields); err != nil {
			return err
		}
	} else {
		id, err = im.resources.Create(ctx,
			resource.Resource{Kind: resource.KindCanvas, Source: c.ID, Thumbnail: c.Thumbnail, TaskID: t.ID}, fields)
		if err != nil {
			return err
		}
	}

	return im.transition(ctx, t, CanvasStatus, statusDone, task.Patch{
		State: CanvasState{OmekaID: id, CanvasOrder: &order},
	})
}
