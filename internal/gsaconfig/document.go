// Package gsaconfig signs and verifies search appliance configuration
// exports. The appliance embeds an HMAC-SHA1 digest of the <config>
// subtree in the export and recomputes it on import; this package
// reproduces that digest, including the canonicalization quirks the
// appliance applies before hashing (see canonical.go).
package gsaconfig

import (
	"os"

	"github.com/beevik/etree"
)

// Element tags with special meaning in an appliance export.
const (
	tagUAMDir    = "uam_dir"
	tagUARData   = "uar_data"
	tagConfig    = "config"
	tagSignature = "signature"
	tagRoot      = "eef"
)

// Document holds one appliance configuration export. The raw bytes are
// authoritative; every operation parses them afresh, so a mutation can
// never leave the bytes and a cached tree out of sync.
type Document struct {
	raw []byte
}

// Load creates a Document from raw XML bytes. The bytes are parsed once
// up front so malformed input fails here rather than on first use.
func Load(b []byte) (*Document, error) {
	if _, err := parse(b); err != nil {
		return nil, err
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	return &Document{raw: raw}, nil
}

// LoadFile reads path and loads it as a Document.
func LoadFile(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Bytes returns the document's current serialized content.
func (d *Document) Bytes() []byte {
	out := make([]byte, len(d.raw))
	copy(out, d.raw)
	return out
}

// parse builds an etree document. CDATA sections are preserved so the
// <signature> and <uar_data> holders keep their node kind across a
// parse/serialize round trip.
func parse(b []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.PreserveCData = true
	if err := doc.ReadFromBytes(b); err != nil {
		return nil, &ParseError{Err: err}
	}
	return doc, nil
}

// serialize writes the tree back out with the escaping the appliance's
// own serializer uses: empty elements self-close, text and attribute
// values take canonical escapes.
func serialize(doc *etree.Document) ([]byte, error) {
	doc.WriteSettings = etree.WriteSettings{
		CanonicalText:    true,
		CanonicalAttrVal: true,
	}
	return doc.WriteToBytes()
}

// findSingle returns the element with the given tag. A genuine export
// carries each special element exactly once; zero matches means this is
// not an appliance export, more than one suggests corruption, and both
// are structural errors rather than a silent first-match.
func findSingle(doc *etree.Document, tag string) (*etree.Element, error) {
	matches := doc.FindElements("//" + tag)
	switch len(matches) {
	case 0:
		return nil, &StructureError{Element: tag}
	case 1:
		return matches[0], nil
	default:
		return nil, &StructureError{Element: tag, Duplicate: true}
	}
}

// setCharData replaces the element's character data, keeping the node
// kind: a CDATA holder stays CDATA, plain text stays plain text. An
// element with no character data at all gains a plain text child.
func setCharData(el *etree.Element, s string) {
	if cd := firstCharData(el); cd != nil && cd.IsCData() {
		el.SetCData(s)
		return
	}
	el.SetText(s)
}

func firstCharData(el *etree.Element) *etree.CharData {
	for _, child := range el.Child {
		if cd, ok := child.(*etree.CharData); ok {
			return cd
		}
	}
	return nil
}
