// Package importer holds the task definitions that import IIIF collections,
// manifests and canvases. Each definition owns a task type, its status
// vocabulary, a constructor for new tasks and a queue job handler.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"

	"github.com/podushkina/iiifimport/internal/iiif"
	"github.com/podushkina/iiifimport/internal/queue"
	"github.com/podushkina/iiifimport/internal/resource"
	"github.com/podushkina/iiifimport/internal/task"
	"github.com/podushkina/iiifimport/internal/taskstore"
	"github.com/podushkina/iiifimport/internal/worker"
)

const creatorPrefix = "urn:madoc:user:"

// TaskAPI is the part of the task store the handlers talk to. It is served
// in process by *taskstore.Store and over HTTP by *taskclient.Client.
type TaskAPI interface {
	Create(ctx context.Context, t *task.Task) (*task.Task, error)
	AddSubtasks(ctx context.Context, parentID string, subtasks []*task.Task) ([]*task.Task, error)
	Accept(ctx context.Context, id string) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	Update(ctx context.Context, id string, p task.Patch) (*task.Task, error)
	Watching(ctx context.Context) ([]string, error)
	Unwatch(ctx context.Context, id string) error
}

type Resources interface {
	Create(ctx context.Context, r resource.Resource, fields []resource.MetadataField) (int64, error)
	FindBySource(ctx context.Context, kind, source string) (*resource.Resource, bool, error)
	AttachMetadata(ctx context.Context, id int64, fields []resource.MetadataField) error
	LinkChildren(ctx context.Context, parent int64, children []int64) error
}

type Blobs interface {
	Write(rel string, data []byte) error
	Read(rel string) ([]byte, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ManifestCache holds parsed manifests keyed by blob path.
type ManifestCache interface {
	Get(key string) (*iiif.Manifest, bool)
	Add(key string, m *iiif.Manifest)
}

type Deps struct {
	Tasks     TaskAPI
	Resources Resources
	Blobs     Blobs
	Fetcher   Fetcher
	Cache     ManifestCache
}

// Registrar accepts job handlers keyed by task type; *worker.Pool is one.
type Registrar interface {
	Register(taskType string, handler worker.Handler)
}

type Importer struct {
	tasks     TaskAPI
	resources Resources
	blobs     Blobs
	fetcher   Fetcher
	cache     ManifestCache
}

func New(d Deps) *Importer {
	return &Importer{
		tasks:     d.Tasks,
		resources: d.Resources,
		blobs:     d.Blobs,
		fetcher:   d.Fetcher,
		cache:     d.Cache,
	}
}

// Register installs the handler of every task definition.
func (im *Importer) Register(r Registrar) {
	r.Register(CollectionType, im.HandleCollection)
	r.Register(ManifestType, im.HandleManifest)
	r.Register(CanvasType, im.HandleCanvas)
}

// Vocabulary returns the status vocabulary of a task type.
func Vocabulary(taskType string) (task.Vocabulary, bool) {
	switch taskType {
	case CollectionType:
		return CollectionStatus, true
	case ManifestType:
		return ManifestStatus, true
	case CanvasType:
		return CanvasStatus, true
	}
	return nil, false
}

func creator(userID int) *task.Creator {
	return &task.Creator{ID: creatorPrefix + strconv.Itoa(userID)}
}

// transition moves a task to the named status of its vocabulary.
func (im *Importer) transition(ctx context.Context, t *task.Task, vocab task.Vocabulary, name string, extra task.Patch) error {
	p, err := vocab.Change(name, extra)
	if err != nil {
		return worker.Fatal(err)
	}
	if _, err := im.tasks.Update(ctx, t.ID, p); err != nil {
		return classify(fmt.Errorf("update task %s: %w", t.ID, err))
	}
	log.Printf("task %s type=%s status=%d status_text=%q", t.ID, t.Type, *p.Status, *p.StatusText)
	return nil
}

// fail records cause on the task and moves it to the error status. The
// returned error is only about recording the failure. A cancelled job is
// left alone so it runs again after a restart.
func (im *Importer) fail(ctx context.Context, t *task.Task, vocab task.Vocabulary, state any, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Printf("task %s type=%s import failed: %v", t.ID, t.Type, cause)
	return im.transition(ctx, t, vocab, task.ErrorText, task.Patch{State: state})
}

// accept claims the task for a "created" job. It reports false when the
// task is already finished, so a redelivered job does nothing.
func (im *Importer) accept(ctx context.Context, j *queue.Job, vocab task.Vocabulary) (*task.Task, bool, error) {
	t, err := im.tasks.Accept(ctx, j.Data.TaskID)
	if err != nil {
		return nil, false, classify(fmt.Errorf("accept task %s: %w", j.Data.TaskID, err))
	}
	if finished(t, vocab) {
		log.Printf("task %s type=%s already finished status=%d, skipping", t.ID, t.Type, t.Status)
		return t, false, nil
	}
	return t, true, nil
}

// lookup finds the record already imported from source. A record created
// by t itself comes from an earlier run of the same job and is reported as
// owned, so the import resumes with it instead of counting as a duplicate.
func (im *Importer) lookup(ctx context.Context, t *task.Task, kind, source string) (id int64, owned, found bool, err error) {
	r, found, err := im.resources.FindBySource(ctx, kind, source)
	if err != nil || !found {
		return 0, false, false, err
	}
	return r.ID, r.TaskID == t.ID, true, nil
}

func finished(t *task.Task, vocab task.Vocabulary) bool {
	return t.Status == task.StatusError || t.Status == vocab.MustCode(statusDone)
}

// allAt reports whether every task has the given status. An empty list is
// never complete.
func allAt(tasks []*task.Task, code int) bool {
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if t.Status != code {
			return false
		}
	}
	return true
}

type childRef struct {
	order int
	id    int64
}

// childIDs orders child resource ids by position, keeping the first
// occurrence of each id. Children without a resource id are dropped.
func childIDs(refs []childRef) []int64 {
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].order < refs[j].order })

	seen := make(map[int64]bool, len(refs))
	ids := make([]int64, 0, len(refs))
	for _, r := range refs {
		if r.id == 0 || seen[r.id] {
			continue
		}
		seen[r.id] = true
		ids = append(ids, r.id)
	}
	return ids
}

// classify marks task store errors that no retry can fix as fatal.
func classify(err error) error {
	if errors.Is(err, taskstore.ErrNotFound) ||
		errors.Is(err, taskstore.ErrInvalidTransition) ||
		errors.Is(err, taskstore.ErrInvalidTask) {
		return worker.Fatal(err)
	}
	return err
}

func unknownEvent(j *queue.Job) error {
	return worker.Fatal(fmt.Errorf("task %s type=%s: unexpected event %q", j.Data.TaskID, j.Data.Type, j.Name))
}

func metadata(label, summary iiif.LanguageMap, fallback string) []resource.MetadataField {
	var fields []resource.MetadataField

	labels := label.Values()
	if len(labels) == 0 {
		labels = []iiif.Value{{Value: fallback, Language: "@none"}}
	}
	for _, v := range labels {
		fields = append(fields, resource.MetadataField{Key: "label", Value: v.Value, Language: v.Language})
	}
	for _, v := range summary.Values() {
		fields = append(fields, resource.MetadataField{Key: "summary", Value: v.Value, Language: v.Language})
	}
	return fields
}
