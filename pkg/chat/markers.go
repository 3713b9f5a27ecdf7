package chat

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/sheetbench/backend/pkg/codeversion"
)

// The assistant embeds machine-readable sections in its replies using
// these tags. Everything outside them is conversational text.
const (
	TagCode     = "CodeOutput"
	TagPip      = "Pip"
	TagParams   = "Params"
	TagFileList = "FileList"
)

// Reply is the structured form of a raw assistant response.
type Reply struct {
	DisplayText   string
	Code          *string
	PipPackages   []string
	Params        []codeversion.ParamSpec
	ParamsPresent bool
	Files         []codeversion.FileRequirement
	FilesPresent  bool
}

// ParseReply splits a raw assistant response into its display text and
// tagged sections. The last occurrence of a tag wins.
func ParseReply(raw string) Reply {
	reply := Reply{
		DisplayText: StripTags(raw, TagCode, TagPip, TagParams, TagFileList),
		PipPackages: splitPackages(ExtractTagged(raw, TagPip)),
	}

	codeBlocks := ExtractTagged(raw, TagCode)
	if len(codeBlocks) > 0 {
		code := codeBlocks[len(codeBlocks)-1]
		reply.Code = &code
	}

	paramBlocks := ExtractTagged(raw, TagParams)
	if len(paramBlocks) > 0 {
		reply.ParamsPresent = true
		reply.Params = parseJSONArray[codeversion.ParamSpec](paramBlocks[len(paramBlocks)-1])
	}

	fileBlocks := ExtractTagged(raw, TagFileList)
	if len(fileBlocks) > 0 {
		reply.FilesPresent = true
		reply.Files = parseJSONArray[codeversion.FileRequirement](fileBlocks[len(fileBlocks)-1])
	}
	return reply
}

// ExtractTagged returns the trimmed bodies of every <tag>...</tag> block.
func ExtractTagged(text, tag string) []string {
	pattern := regexp.MustCompile(`(?is)<` + tag + `>(.*?)</` + tag + `>`)
	blocks := []string{}
	for _, match := range pattern.FindAllStringSubmatch(text, -1) {
		blocks = append(blocks, strings.TrimSpace(match[1]))
	}
	return blocks
}

// StripTags removes every listed tagged block and trims the remainder.
func StripTags(text string, tags ...string) string {
	cleaned := text
	for _, tag := range tags {
		pattern := regexp.MustCompile(`(?is)<` + tag + `>.*?</` + tag + `>`)
		cleaned = pattern.ReplaceAllString(cleaned, "")
	}
	return strings.TrimSpace(cleaned)
}

func splitPackages(blocks []string) []string {
	packages := []string{}
	for _, block := range blocks {
		for _, line := range strings.Split(block, "\n") {
			if pkg := strings.TrimSpace(line); pkg != "" {
				packages = append(packages, pkg)
			}
		}
	}
	return packages
}

func parseJSONArray[T any](block string) []T {
	var items []T
	if err := json.Unmarshal([]byte(block), &items); err != nil {
		return []T{}
	}
	if items == nil {
		return []T{}
	}
	return items
}
