package remotedata

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
)

var payloadExtensions = []string{".json", ".yaml", ".yml"}

// payloadSource maps a file name such as app.yaml to its source
func payloadSource(path string) (Source, bool) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if !hasPayloadExtension(ext) {
		return "", false
	}
	src := Source(strings.TrimSuffix(base, ext))
	return src, knownSource(src)
}

func hasPayloadExtension(ext string) bool {
	for _, e := range payloadExtensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

// ReadPayloadFile decodes one payload file. YAML is converted to JSON first so
// schedules decode through their JSON encoding.
func ReadPayloadFile(path string) (*Payload, error) {
	src, ok := payloadSource(path)
	if !ok {
		return nil, errors.Newf("%s is not a payload file (want app or contact with .json, .yaml or .yml)", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read payload file")
	}

	if ext := strings.ToLower(filepath.Ext(path)); ext != ".json" {
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.WithDetail(errors.Wrap(err, "invalid YAML payload"), "Path: "+path)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, errors.WithDetail(errors.Wrap(err, "payload cannot be represented as JSON"), "Path: "+path)
		}
	}

	p, err := DecodePayload(src, data)
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "invalid payload"), "Path: "+path)
	}
	return p, nil
}

// LoadDir reads every payload file in dir. A source with more than one file is an error.
func LoadDir(dir string) ([]Payload, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read payload directory")
	}

	seen := make(map[Source]string)
	var payloads []Payload
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src, ok := payloadSource(entry.Name())
		if !ok {
			continue
		}
		if other, dup := seen[src]; dup {
			return nil, errors.Newf("both %s and %s provide the %s payload", other, entry.Name(), src)
		}
		seen[src] = entry.Name()

		p, err := ReadPayloadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, *p)
	}
	return payloads, nil
}

// Applier consumes a full payload set
type Applier interface {
	Apply(ctx context.Context, payloads []Payload) (*Result, error)
}

// DirWatcher watches a payload directory and applies it after changes settle.
type DirWatcher struct {
	dir            string
	applier        Applier
	watcher        *fsnotify.Watcher
	log            *zap.SugaredLogger
	mu             sync.Mutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// NewDirWatcher creates a watcher for dir. A debounce <= 0 applies on every change.
func NewDirWatcher(dir string, applier Applier, debounce time.Duration, log *zap.SugaredLogger) (*DirWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch payload directory %s", dir)
	}

	return &DirWatcher{
		dir:            dir,
		applier:        applier,
		watcher:        watcher,
		log:            logger.AddRemoteSymbol(log.Named("payloads")),
		debouncePeriod: debounce,
	}, nil
}

// Start applies the directory once and then watches it until ctx ends or Stop is called
func (w *DirWatcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	if err := w.reload(); err != nil {
		w.cancel()
		return err
	}
	w.wg.Add(1)
	go w.watchLoop()
	w.log.Infow("Watching remote payloads", logger.FieldPath, w.dir)
	return nil
}

func (w *DirWatcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if _, payload := payloadSource(event.Name); !payload {
				continue
			}
			// Remove and rename count: a deleted payload stops the source's schedules
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.log.Debugw("Payload change detected",
				logger.FieldPath, event.Name,
				logger.FieldOperation, event.Op.String())
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnw("Payload watcher error", logger.FieldError, err)
		}
	}
}

// scheduleReload debounces bursts of writes into one apply
func (w *DirWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, func() {
		if w.ctx.Err() != nil {
			return
		}
		if err := w.reload(); err != nil {
			w.log.Errorw("Remote payload reload failed", logger.FieldError, err)
		}
	})
}

func (w *DirWatcher) reload() error {
	payloads, err := LoadDir(w.dir)
	if err != nil {
		return err
	}
	_, err = w.applier.Apply(w.ctx, payloads)
	return err
}

// Stop ends the watch loop and closes the watcher
func (w *DirWatcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
