package models

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// RepoType represents the kind of hub repository
type RepoType string

const (
	RepoTypeModel   RepoType = "model"
	RepoTypeDataset RepoType = "dataset"
	RepoTypeSpace   RepoType = "space"
)

// DefaultBranch is used when the page does not name a revision
const DefaultBranch = "main"

// FileType classifies a repository file by extension
type FileType string

const (
	FileTypeModel  FileType = "model"
	FileTypeConfig FileType = "config"
	FileTypeOther  FileType = "other"
)

var modelExtensions = map[string]bool{
	".safetensors": true,
	".bin":         true,
	".pt":          true,
	".pth":         true,
	".ckpt":        true,
	".gguf":        true,
	".ggml":        true,
	".onnx":        true,
	".h5":          true,
	".msgpack":     true,
	".tflite":      true,
	".pb":          true,
	".model":       true,
}

var configExtensions = map[string]bool{
	".json":     true,
	".yaml":     true,
	".yml":      true,
	".txt":      true,
	".md":       true,
	".py":       true,
	".toml":     true,
	".cfg":      true,
	".ini":      true,
	".jinja":    true,
	".tiktoken": true,
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ClassifyFile returns the file type for a repository file name
func ClassifyFile(name string) FileType {
	base := strings.ToLower(path.Base(name))
	// sentencepiece vocabularies share the weights extension
	if base == "tokenizer.model" {
		return FileTypeConfig
	}

	ext := path.Ext(base)
	switch {
	case modelExtensions[ext]:
		return FileTypeModel
	case configExtensions[ext]:
		return FileTypeConfig
	default:
		return FileTypeOther
	}
}

// FileEntry is one file row of a repository page
type FileEntry struct {
	Name string   `json:"name"`
	Size string   `json:"size"` // display form, e.g. "4.98 GB"
	Type FileType `json:"type"`
}

// RepoIdentity identifies a hub repository extracted from a page
type RepoIdentity struct {
	Owner    string      `json:"owner"`
	Name     string      `json:"name"`
	FullName string      `json:"fullName"`
	URL      string      `json:"url"`
	RepoType RepoType    `json:"repoType"`
	Branch   string      `json:"branch"`
	Files    []FileEntry `json:"files"`
}

// NewRepoIdentity builds an identity with defaults applied
func NewRepoIdentity(owner, name string, repoType RepoType) *RepoIdentity {
	if repoType == "" {
		repoType = RepoTypeModel
	}
	return &RepoIdentity{
		Owner:    owner,
		Name:     name,
		FullName: owner + "/" + name,
		RepoType: repoType,
		Branch:   DefaultBranch,
		Files:    []FileEntry{},
	}
}

// Validate checks the identity is usable for a start request
func (r *RepoIdentity) Validate() error {
	if r == nil {
		return fmt.Errorf("repository identity is missing")
	}
	if !namePattern.MatchString(r.Owner) {
		return fmt.Errorf("invalid repository owner %q", r.Owner)
	}
	if !namePattern.MatchString(r.Name) {
		return fmt.Errorf("invalid repository name %q", r.Name)
	}
	if r.FullName != r.Owner+"/"+r.Name {
		return fmt.Errorf("full name %q does not match %s/%s", r.FullName, r.Owner, r.Name)
	}
	switch r.RepoType {
	case RepoTypeModel, RepoTypeDataset, RepoTypeSpace:
	default:
		return fmt.Errorf("unknown repository type %q", r.RepoType)
	}
	return nil
}

// Clone returns a deep copy
func (r *RepoIdentity) Clone() *RepoIdentity {
	if r == nil {
		return nil
	}
	c := *r
	c.Files = append([]FileEntry{}, r.Files...)
	return &c
}
