package importer

import (
	"context"
	"fmt"
	"log"

	"github.com/podushkina/iiifimport/internal/iiif"
	"github.com/podushkina/iiifimport/internal/queue"
	"github.com/podushkina/iiifimport/internal/resource"
	"github.com/podushkina/iiifimport/internal/task"
	"github.com/podushkina/iiifimport/internal/worker"
)

const (
	CollectionType = "collection-import"

	collectionWaiting = "waiting for manifests"
)

var CollectionStatus = task.Vocabulary{
	"pending",
	"accepted",
	collectionWaiting,
	statusDone,
	"importing manifests",
}

// collectionWatch fires once every manifest subtask of a collection is
// done. Nested collections are not watched; they are linked when they
// happen to be done by then.
var collectionWatch = task.SubtaskEvent(ManifestType, ManifestStatus.MustCode(statusDone))

func NewCollectionTask(url string, userID int) *task.Task {
	return &task.Task{
		Type:        CollectionType,
		Name:        "Importing collection",
		Description: "Importing collection from url " + url,
		Subject:     url,
		Status:      task.StatusPending,
		StatusText:  CollectionStatus.Text(task.StatusPending),
		Parameters:  mustMarshal(UserParams{UserID: userID}),
		Events:      []string{task.EventCreated, collectionWatch},
		Creator:     creator(userID),
	}
}

func (im *Importer) HandleCollection(ctx context.Context, j *queue.Job) error {
	switch j.Name {
	case task.EventCreated:
		return im.collectionCreated(ctx, j)
	case collectionWatch:
		return im.collectionManifestsDone(ctx, j)
	}
	return unknownEvent(j)
}

func (im *Importer) collectionCreated(ctx context.Context, j *queue.Job) error {
	t, ok, err := im.accept(ctx, j, CollectionStatus)
	if err != nil || !ok {
		return err
	}
	if t.Status >= CollectionStatus.MustCode(collectionWaiting) && len(t.Subtasks) > 0 {
		log.Printf("task %s type=%s children already created, skipping", t.ID, t.Type)
		return nil
	}

	if err := im.importCollection(ctx, t); err != nil {
		return im.fail(ctx, t, CollectionStatus, CollectionState{Error: err.Error()}, err)
	}
	return nil
}

func (im *Importer) importCollection(ctx context.Context, t *task.Task) error {
	var st CollectionState
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
	c, err := iiif.ParseCollection(data)
	if err != nil {
		return err
	}
	name := task.String(iiif.Label(c.Label))

	fields := metadata(c.Label, c.Summary, "Untitled collection")
	omekaID := st.OmekaID
	if omekaID == 0 {
		existing, owned, found, err := im.lookup(ctx, t, resource.KindCollection, c.ID)
		if err != nil {
			return err
		}
		if found && !owned {
			log.Printf("task %s type=%s duplicate of resource %d source=%s", t.ID, t.Type, existing, c.ID)
			return im.transition(ctx, t, CollectionStatus, statusDone, task.Patch{
				Name:  name,
				State: CollectionState{OmekaID: existing, IsDuplicate: true},
			})
		}
		omekaID = existing
	}

	if omekaID == 0 {
		omekaID, err = im.resources.Create(ctx,
			resource.Resource{Kind: resource.KindCollection, Source: c.ID, TaskID: t.ID}, fields)
		if err != nil {
			return err
		}
	} else {
		log.Printf("task %s type=%s resuming with resource %d", t.ID, t.Type, omekaID)
		if err := im.resources.AttachMetadata(ctx, omekaID, fields); err != nil {
			return err
		}
	}

	if len(c.Items) == 0 {
		return im.transition(ctx, t, CollectionStatus, statusDone, task.Patch{
			Name:  name,
			State: CollectionState{OmekaID: omekaID},
		})
	}

	if err := im.transition(ctx, t, CollectionStatus, collectionWaiting, task.Patch{
		Name:  name,
		State: CollectionState{OmekaID: omekaID},
	}); err != nil {
		return err
	}

	children := make([]*task.Task, 0, len(c.Items))
	manifests := 0
	for _, ref := range c.Items {
		switch ref.Type {
		case iiif.TypeManifest:
			children = append(children, NewManifestTask(ref.ID, params.UserID))
			manifests++
		case iiif.TypeCollection:
			children = append(children, NewCollectionTask(ref.ID, params.UserID))
		}
	}
	if _, err := im.tasks.AddSubtasks(ctx, t.ID, children); err != nil {
		return classify(fmt.Errorf("add collection subtasks: %w", err))
	}
	log.Printf("task %s type=%s created %d subtasks (%d manifests)", t.ID, t.Type, len(children), manifests)

	// Without manifests the watch never fires.
	if manifests == 0 {
		return im.transition(ctx, t, CollectionStatus, statusDone, task.Patch{})
	}
	return nil
}

func (im *Importer) collectionManifestsDone(ctx context.Context, j *queue.Job) error {
	t, err := im.tasks.Get(ctx, j.Data.TaskID)
	if err != nil {
		return classify(fmt.Errorf("get task %s: %w", j.Data.TaskID, err))
	}
	if finished(t, CollectionStatus) {
		return nil
	}

	var st CollectionState
	if err := t.DecodeState(&st); err != nil {
		return worker.Fatal(err)
	}
	if st.OmekaID == 0 {
		log.Printf("WARN task %s type=%s: manifests done but no omekaId recorded, status=%d left unchanged", t.ID, t.Type, t.Status)
		return nil
	}

	if !allAt(t.SubtasksOfType(ManifestType), ManifestStatus.MustCode(statusDone)) {
		log.Printf("task %s type=%s not every manifest is done yet", t.ID, t.Type)
		return nil
	}

	refs := make([]childRef, 0, len(t.Subtasks))
	for i, child := range t.Subtasks {
		if child.Type == CollectionType && child.Status != CollectionStatus.MustCode(statusDone) {
			log.Printf("task %s type=%s nested collection %s not done, not linked", t.ID, t.Type, child.ID)
			continue
		}
		if child.Type != ManifestType && child.Type != CollectionType {
			continue
		}

		// Both child states carry the resource id under the same key.
		var cs ManifestState
		if err := child.DecodeState(&cs); err != nil {
			return worker.Fatal(err)
		}
		refs = append(refs, childRef{order: i, id: cs.OmekaID})
	}

	ids := childIDs(refs)
	if err := im.resources.LinkChildren(ctx, st.OmekaID, ids); err != nil {
		return fmt.Errorf("link children of task %s: %w", t.ID, err)
	}
	log.Printf("task %s type=%s linked %d children to resource %d", t.ID, t.Type, len(ids), st.OmekaID)

	return im.transition(ctx, t, CollectionStatus, statusDone, task.Patch{})
}
