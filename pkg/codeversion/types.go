package codeversion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultCode seeds version 1 of every tool.
const DefaultCode = `def run(params, ctx):
    """Default sandbox entrypoint."""

    ctx.log("Starting default run")
    return {"ok": True}
`

type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

type FileRequirement struct {
	Pattern     string `json:"pattern"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

type Summary struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Author    string    `json:"author"`
	Note      string    `json:"note,omitempty"`
}

type Detail struct {
	Summary
	Code          string            `json:"code"`
	PipPackages   []string          `json:"pip_packages"`
	OriginRunID   *string           `json:"origin_run_id,omitempty"`
	Params        []ParamSpec       `json:"params"`
	RequiredFiles []FileRequirement `json:"required_files"`
}

type CreateRequest struct {
	Code          string
	PipPackages   []string
	Author        string
	Note          string
	OriginRunID   *string
	Params        []ParamSpec
	RequiredFiles []FileRequirement
}

// Message renders the chat transcript entry recorded whenever a new
// version is created. The tagged sections let the UI and the assistant
// recover the exact code, packages, and specs later.
func Message(actor, description string, detail *Detail, baseVersion int) string {
	lines := []string{fmt.Sprintf("%s %s. (version %d)", actor, description, detail.Version)}
	if baseVersion > 0 {
		lines = append(lines, fmt.Sprintf("Based on version %d.", baseVersion))
	}
	lines = append(lines, "<CodeOutput>"+detail.Code+"</CodeOutput>")
	if len(detail.PipPackages) > 0 {
		lines = append(lines, "<Pip>\n"+strings.Join(detail.PipPackages, "\n")+"\n</Pip>")
	}
	if len(detail.Params) > 0 {
		encoded, _ := json.MarshalIndent(detail.Params, "", "  ")
		lines = append(lines, "<Params>\n"+string(encoded)+"\n</Params>")
	}
	if len(detail.RequiredFiles) > 0 {
		encoded, _ := json.MarshalIndent(detail.RequiredFiles, "", "  ")
		lines = append(lines, "<FileList>\n"+string(encoded)+"\n</FileList>")
	}
	return strings.Join(lines, "\n")
}
