package dicomio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/dicomtag"
	"github.com/suyashkumar/dicom/element"
)

// ReadReferencedFileIDs parses a directory index file (DICOMDIR) and returns
// the referenced file paths, slash-joined from their component parts and
// relative to the index's directory. An index that parses but references
// nothing yields an empty slice.
func ReadReferencedFileIDs(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	p, err := dicom.NewParserFromBytes(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	ds, err := safelyParse(p, dicom.ParseOptions{DropPixelData: true})
	if ds == nil || err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	var refs []string
	for _, elem := range ds.Elements {
		collectFileIDs(elem, &refs)
	}
	return refs, nil
}

// collectFileIDs walks an element tree gathering ReferencedFileID values.
// Directory records arrive as sequence items, which the parser surfaces as
// nested elements.
func collectFileIDs(elem *element.Element, refs *[]string) {
	if elem == nil {
		return
	}

	if elem.Tag == dicomtag.ReferencedFileID {
		var parts []string
		for _, v := range elem.Value {
			if s, ok := v.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					parts = append(parts, s)
				}
			}
		}
		if len(parts) > 0 {
			*refs = append(*refs, filepath.FromSlash(strings.Join(parts, "/")))
		}
		return
	}

	for _, v := range elem.Value {
		if nested, ok := v.(*element.Element); ok {
			collectFileIDs(nested, refs)
		}
	}
}
