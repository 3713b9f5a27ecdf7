package gateway

import (
	"io/fs"
	"math"
	"path"
	"path/filepath"
	"strings"

	"github.com/sheetbench/backend/pkg/codeversion"
	"github.com/sheetbench/backend/pkg/stream"
)

// RunRequest is the single body shape accepted by both the streaming and
// synchronous run endpoints. Code overrides the resolved version's script
// when present; an omitted code field runs the stored version.
type RunRequest struct {
	Code          *string        `json:"code"`
	Params        map[string]any `json:"params"`
	PipPackages   []string       `json:"pip_packages"`
	AllowInternet bool           `json:"allow_internet"`
	CodeVersion   *int           `json:"code_version"`
	FolderPrefix  string         `json:"folder_prefix"`
}

// validateRun checks the request against the code version's parameter
// model and required files. A nil return means the run may proceed.
func validateRun(detail *codeversion.Detail, params map[string]any, storageDir string) *stream.ValidationDetail {
	missingParams := []string{}
	invalidParams := []stream.InvalidParam{}
	for _, spec := range detail.Params {
		value, present := params[spec.Name]
		if !present {
			if spec.Required {
				missingParams = append(missingParams, spec.Name)
			}
			continue
		}
		if spec.Type != "" && !paramMatchesType(value, spec.Type) {
			invalidParams = append(invalidParams, stream.InvalidParam{
				Name:     spec.Name,
				Expected: spec.Type,
				Actual:   jsonTypeName(value),
			})
		}
	}

	missingFiles := []string{}
	for _, requirement := range detail.RequiredFiles {
		if !requirement.Required {
			continue
		}
		if !requiredFileExists(requirement.Pattern, storageDir) {
			missingFiles = append(missingFiles, requirement.Pattern)
		}
	}

	if len(missingParams) == 0 && len(invalidParams) == 0 && len(missingFiles) == 0 {
		return nil
	}
	return &stream.ValidationDetail{
		Message:       "Run request failed validation",
		MissingParams: missingParams,
		InvalidParams: invalidParams,
		MissingFiles:  missingFiles,
	}
}

// paramMatchesType checks a decoded JSON value against a declared type.
// Unknown type names accept anything.
func paramMatchesType(value any, expected string) bool {
	switch strings.ToLower(strings.TrimSpace(expected)) {
	case "string", "str":
		_, ok := value.(string)
		return ok
	case "integer", "int":
		num, ok := value.(float64)
		return ok && num == math.Trunc(num)
	case "number", "float":
		_, ok := value.(float64)
		return ok
	case "boolean", "bool":
		_, ok := value.(bool)
		return ok
	case "object", "dict":
		_, ok := value.(map[string]any)
		return ok
	case "array", "list":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}

func jsonTypeName(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}

// requiredFileExists reports whether any stored file matches the
// shell-style pattern. A bare pattern matches file names anywhere under
// the storage root; a pattern containing a slash matches the relative
// path.
func requiredFileExists(pattern, storageDir string) bool {
	if pattern == "" {
		return false
	}
	pattern = strings.TrimPrefix(pattern, "**/")
	matchPath := strings.Contains(pattern, "/")

	found := false
	_ = filepath.WalkDir(storageDir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil || found || entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(storageDir, p)
		if err != nil {
			return nil
		}
		var ok bool
		if matchPath {
			ok, _ = path.Match(pattern, filepath.ToSlash(rel))
		} else {
			ok, _ = path.Match(pattern, entry.Name())
		}
		if ok {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found
}
