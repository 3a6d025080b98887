package gsaconfig

import "fmt"

// ParseError indicates the input bytes are not well-formed XML.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "gsaconfig: malformed XML: " + e.Err.Error() }

func (e *ParseError) Unwrap() error { return e.Err }

// StructureError indicates the document is not a genuine appliance
// configuration export: a required element is missing, or occurs more
// than once.
type StructureError struct {
	Element   string
	Duplicate bool
}

func (e *StructureError) Error() string {
	if e.Duplicate {
		return fmt.Sprintf("gsaconfig: element <%s> occurs more than once", e.Element)
	}
	return fmt.Sprintf("gsaconfig: required element <%s> not found", e.Element)
}

// AlreadyExistsError indicates a write destination already exists.
// Existing files are never overwritten.
type AlreadyExistsError struct {
	Path string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("gsaconfig: %s already exists, refusing to overwrite", e.Path)
}
