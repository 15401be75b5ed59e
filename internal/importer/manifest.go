package importer

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/podushkina/iiifimport/internal/blob"
	"github.com/podushkina/iiifimport/internal/iiif"
	"github.com/podushkina/iiifimport/internal/queue"
	"github.com/podushkina/iiifimport/internal/resource"
	"github.com/podushkina/iiifimport/internal/task"
	"github.com/podushkina/iiifimport/internal/worker"
)

const (
	ManifestType = "manifest-import"

	manifestWaiting = "waiting for canvases"
)

var ManifestStatus = task.Vocabulary{
	"pending",
	"accepted",
	manifestWaiting,
	statusDone,
	"importing canvases",
}

// manifestWatch fires once every canvas subtask of a manifest is done.
var manifestWatch = task.SubtaskEvent(CanvasType, CanvasStatus.MustCode(statusDone))

// NewManifestTask builds a pending task importing the manifest at url on
// behalf of userID.
func NewManifestTask(url string, userID int) *task.Task {
	return &task.Task{
		Type:        ManifestType,
		Name:        "Importing manifest",
		Description: "Importing manifest from url " + url,
		Subject:     url,
		Status:      task.StatusPending,
		StatusText:  ManifestStatus.Text(task.StatusPending),
		Parameters:  mustMarshal(UserParams{UserID: userID}),
		Events:      []string{task.EventCreated, manifestWatch},
		Creator:     creator(userID),
	}
}

func (im *Importer) HandleManifest(ctx context.Context, j *queue.Job) error {
	switch j.Name {
	case task.EventCreated:
		return im.manifestCreated(ctx, j)
	case manifestWatch:
		return im.manifestCanvasesDone(ctx, j)
	}
	return unknownEvent(j)
}

func (im *Importer) manifestCreated(ctx context.Context, j *queue.Job) error {
	t, ok, err := im.accept(ctx, j, ManifestStatus)
	if err != nil || !ok {
		return err
	}
	if t.Status >= ManifestStatus.MustCode(manifestWaiting) && len(t.SubtasksOfType(CanvasType)) > 0 {
		log.Printf("task %s type=%s canvases already created, skipping", t.ID, t.Type)
		return nil
	}

	if err := im.importManifest(ctx, t); err != nil {
		return im.fail(ctx, t, ManifestStatus, ManifestState{Error: err.Error()}, err)
	}
	return nil
}

func (im *Importer) importManifest(ctx context.Context, t *task.Task) error {
	var st ManifestState
	if err := t.DecodeState(&st); err != nil {
		return err
	}
	var params UserParams
	if err := t.DecodeParameters(&params); err != nil {
		return err
	}

	data, err := im.fetcher.Fetch(ctx, t.Subject)
	if err != nil {
		return err
	}
	m, err := iiif.ParseManifest(data)
	if err != nil {
		return err
	}
	name := task.String(iiif.Label(m.Label))

	// A recorded id means an earlier run created the record and stopped
	// before the subtasks were added.
	omekaID := st.OmekaID
	if omekaID == 0 {
		existing, owned, found, err := im.lookup(ctx, t, resource.KindManifest, m.ID)
		if err != nil {
			return err
		}
		if found && !owned {
			log.Printf("task %s type=%s duplicate of resource %d source=%s", t.ID, t.Type, existing, m.ID)
			return im.transition(ctx, t, ManifestStatus, statusDone, task.Patch{
				Name:  name,
				State: ManifestState{OmekaID: existing, IsDuplicate: true},
			})
		}
		omekaID = existing
	}

	path := blob.ManifestPath(m.ID)
	if err := im.blobs.Write(path, data); err != nil {
		return err
	}
	im.cache.Add(path, m)

	fields := metadata(m.Label, m.Summary, "Untitled manifest")
	if omekaID == 0 {
		omekaID, err = im.resources.Create(ctx,
			resource.Resource{Kind: resource.KindManifest, Source: m.ID, TaskID: t.ID}, fields)
		if err != nil {
			return err
		}
	} else {
		log.Printf("task %s type=%s resuming with resource %d", t.ID, t.Type, omekaID)
		if err := im.resources.AttachMetadata(ctx, omekaID, fields); err != nil {
			return err
		}
	}

	if len(m.Canvases) == 0 {
		return im.transition(ctx, t, ManifestStatus, statusDone, task.Patch{
			Name:  name,
			State: ManifestState{OmekaID: omekaID},
		})
	}

	// The id is stored before the subtasks exist so that their completion
	// event always finds it.
	if err := im.transition(ctx, t, ManifestStatus, manifestWaiting, task.Patch{
		Name:  name,
		State: ManifestState{OmekaID: omekaID},
	}); err != nil {
		return err
	}

	children := make([]*task.Task, len(m.Canvases))
	for i, c := range m.Canvases {
		children[i] = NewCanvasTask(c.ID, params.UserID, path, m.ID)
	}
	if _, err := im.tasks.AddSubtasks(ctx, t.ID, children); err != nil {
		return classify(fmt.Errorf("add canvas subtasks: %w", err))
	}
	log.Printf("task %s type=%s created %d canvas subtasks", t.ID, t.Type, len(children))
	return nil
}

func (im *Importer) manifestCanvasesDone(ctx context.Context, j *queue.Job) error {
	t, err := im.tasks.Get(ctx, j.Data.TaskID)
	if err != nil {
		return classify(fmt.Errorf("get task %s: %w", j.Data.TaskID, err))
	}
	if finished(t, ManifestStatus) {
		return nil
	}

	var st ManifestState
	if err := t.DecodeState(&st); err != nil {
		return worker.Fatal(err)
	}
	if st.OmekaID == 0 {
		log.Printf("WARN task %s type=%s: canvases done but no omekaId recorded, status=%d left unchanged", t.ID, t.Type, t.Status)
		return nil
	}

	canvases := t.SubtasksOfType(CanvasType)
	if !allAt(canvases, CanvasStatus.MustCode(statusDone)) {
		log.Printf("task %s type=%s not every canvas is done yet", t.ID, t.Type)
		return nil
	}

	refs := make([]childRef, 0, len(canvases))
	for i, c := range canvases {
		var cs CanvasState
		if err := c.DecodeState(&cs); err != nil {
			return worker.Fatal(err)
		}
		order := i
		if cs.CanvasOrder != nil {
			order = *cs.CanvasOrder
		}
		refs = append(refs, childRef{order: order, id: cs.OmekaID})
	}

	ids := childIDs(refs)
	if err := im.resources.LinkChildren(ctx, st.OmekaID, ids); err != nil {
		return fmt.Errorf("link canvases of task %s: %w", t.ID, err)
	}
	log.Printf("task %s type=%s linked %d canvases to resource %d", t.ID, t.Type, len(ids), st.OmekaID)

	return im.transition(ctx, t, ManifestStatus, statusDone, task.Patch{})
}

// loadManifest returns the parsed manifest stored at path. A cache miss
// reads the blob, and a missing blob fetches the manifest again.
func (im *Importer) loadManifest(ctx context.Context, path, manifestID string) (*iiif.Manifest, error) {
	if m, ok := im.cache.Get(path); ok {
		return m, nil
	}

	data, err := im.blobs.Read(path)
	if errors.Is(err, blob.ErrNotFound) {
		log.Printf("manifest blob %s missing, fetching %s", path, manifestID)
		if data, err = im.fetcher.Fetch(ctx, manifestID); err != nil {
			return nil, err
		}
		if err := im.blobs.Write(path, data); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	m, err := iiif.ParseManifest(data)
	if err != nil {
		return nil, err
	}
	im.cache.Add(path, m)
	return m, nil
}
