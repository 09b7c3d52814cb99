package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vdust/partage/internal/share"
	"github.com/vdust/partage/internal/storage"
)

var validate = validator.New()

// Validate checks struct tags, then the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Users))
	for i, u := range cfg.Users {
		if seen[u.Name] {
			return fmt.Errorf("users[%d]: duplicate user name %q", i, u.Name)
		}
		seen[u.Name] = true
	}

	if n := strings.Count(cfg.Restore.RenameFormat, "%d"); n != 1 {
		return fmt.Errorf("restore.rename_format: want exactly one %%d, got %d", n)
	}
	re, err := regexp.Compile(cfg.Restore.RenamePattern)
	if err != nil {
		return fmt.Errorf("restore.rename_pattern: %w", err)
	}
	if re.NumSubexp() != 2 {
		return fmt.Errorf("restore.rename_pattern: want 2 groups, got %d", re.NumSubexp())
	}

	if dir := cfg.Storage.TrashDir; !filepath.IsAbs(dir) {
		head, _ := share.SplitPath(filepath.ToSlash(filepath.Clean(dir)))
		if head != ".." && !storage.Hidden(head) {
			return fmt.Errorf("storage.trash_dir: %q would be listed as a shared folder", dir)
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var errs validator.ValidationErrors
	if errors.As(err, &errs) && len(errs) > 0 {
		e := errs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
