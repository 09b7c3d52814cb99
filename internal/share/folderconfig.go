package share

import (
	"bytes"
	"context"
	"encoding/json"
	"maps"
	"os"
	"path/filepath"
	"reflect"

	"github.com/vdust/partage/internal/lock"
	"github.com/vdust/partage/internal/storage"
)

// ConfigFileName is the sidecar file holding a folder's config. The
// previous version is kept with a trailing '-'.
const ConfigFileName = ".folderconfig"

// Config is a folder configuration. Nil fields are absent: Configure
// leaves them untouched unless asked to replace everything.
type Config struct {
	AccessList  AccessList     `json:"accessList,omitempty" yaml:"accessList,omitempty"`
	Description *string        `json:"description,omitempty" yaml:"description,omitempty"`
	Tasks       map[string]any `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// configFile is the on-disk layout.
type configFile struct {
	AccessList  AccessList     `json:"accessList"`
	Description string         `json:"description"`
	Tasks       map[string]any `json:"tasks"`
}

func (f *Folder) configPath() string {
	return filepath.Join(f.Path(), ConfigFileName)
}

// Config returns a snapshot of the current configuration.
func (f *Folder) Config() Config {
	f.cfgMu.Lock()
	defer f.cfgMu.Unlock()
	desc := f.description
	return Config{
		AccessList:  f.accessList.Clone(),
		Description: &desc,
		Tasks:       maps.Clone(f.tasks),
	}
}

// Synced reports whether the in-memory config matches the file.
func (f *Folder) Synced() bool {
	return f.flags.Is(FlagSynced)
}

// Configure applies cfg. Only present fields change unless all is set, in
// which case absent fields reset to their defaults. It reports whether
// anything changed; a change marks the folder as not synced.
func (f *Folder) Configure(cfg Config, all bool) bool {
	f.cfgMu.Lock()
	acl, desc, tasks := f.accessList, f.description, f.tasks
	if all {
		acl, desc, tasks = AccessList{}, "", map[string]any{}
	}
	if cfg.AccessList != nil {
		acl = cfg.AccessList.Clone()
	}
	if cfg.Description != nil {
		desc = *cfg.Description
	}
	if cfg.Tasks != nil {
		tasks = maps.Clone(cfg.Tasks)
	}
	changed := !acl.Equal(f.accessList) || desc != f.description || !reflect.DeepEqual(tasks, f.tasks)
	f.accessList, f.description, f.tasks = acl, desc, tasks
	f.cfgMu.Unlock()

	if changed {
		f.flags.Clear(FlagSynced)
	}
	return changed
}

func (f *Folder) apply(fc configFile) {
	if fc.AccessList == nil {
		fc.AccessList = AccessList{}
	}
	if fc.Tasks == nil {
		fc.Tasks = map[string]any{}
	}
	f.cfgMu.Lock()
	f.accessList, f.description, f.tasks = fc.AccessList, fc.Description, fc.Tasks
	f.cfgMu.Unlock()
}

// LoadConfig reads the config file into memory. A missing file yields the
// defaults. Nothing is read while the folder is synced.
func (f *Folder) LoadConfig(ctx context.Context) error {
	_, err := f.load.Do(ctx, func(ctx context.Context) (struct{}, error) {
		name := f.Name()
		release, err := f.locker.Acquire(ctx, lock.FolderConfigName(name), false, 0)
		if err != nil {
			return struct{}{}, FromOS("load config", name, err)
		}
		defer release()

		data, err := os.ReadFile(f.configPath())
		if os.IsNotExist(err) {
			f.apply(configFile{})
			return struct{}{}, nil
		}
		if err != nil {
			return struct{}{}, FromOS("load config", name, err)
		}

		var fc configFile
		if err := json.Unmarshal(data, &fc); err != nil {
			return struct{}{}, newError(KindConfiguration, CodeConfiguration, "load config", name, err)
		}
		f.apply(fc)
		return struct{}{}, nil
	})
	return err
}

// SaveConfig writes the in-memory config to the file when it changed.
// Saves requested while one is running coalesce into a single follow-up
// that writes the latest state.
func (f *Folder) SaveConfig(ctx context.Context) error {
	_, err := f.save.Do(ctx, func(ctx context.Context) (struct{}, error) {
		name := f.Name()
		release, err := f.locker.Acquire(ctx, lock.FolderConfigName(name), true, 0)
		if err != nil {
			return struct{}{}, FromOS("save config", name, err)
		}
		defer release()

		f.cfgMu.Lock()
		fc := configFile{
			AccessList:  f.accessList.Clone(),
			Description: f.description,
			Tasks:       maps.Clone(f.tasks),
		}
		f.cfgMu.Unlock()

		data, err := json.MarshalIndent(fc, "", "  ")
		if err != nil {
			return struct{}{}, Internal("save config", name, err)
		}
		path := f.configPath()
		if err := storage.WriteFile(path, bytes.NewReader(data), path+"-"); err != nil {
			return struct{}{}, FromOS("save config", name, err)
		}
		return struct{}{}, nil
	})
	return err
}

// SaveExecutions returns how many times the config was actually written.
func (f *Folder) SaveExecutions() int64 {
	return f.save.Executions()
}
