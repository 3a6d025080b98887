package gsaconfig

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/beevik/etree"
)

// uarDataPrefix is the dummy path the appliance substitutes for the UAR
// data directory while computing the config digest.
const uarDataPrefix = "/tmp/tmp_uar_data_dir,"

// canonicalBytes produces the exact byte sequence the signature is
// computed over: the serialized <config> subtree after the uam_dir
// element is dropped and a non-empty uar_data holder is replaced by the
// dummy path plus a keyed digest of its contents.
//
// uam_dir must go because 7.x appliances reject imports that carry it.
// The removal also has to leave the surrounding whitespace looking as if
// the element had never been serialized, otherwise the appliance-side
// digest will not match; see removeWithWhitespace.
func canonicalBytes(raw []byte, password string) ([]byte, error) {
	doc, err := parse(raw)
	if err != nil {
		return nil, err
	}

	if err := dropUAMDir(doc); err != nil {
		return nil, err
	}

	uarData, err := findSingle(doc, tagUARData)
	if err != nil {
		return nil, err
	}
	// The indentation before the closing tag is not part of the payload,
	// but the newline terminating the base64 block is.
	contents := strings.TrimSpace(uarData.Text()) + "\n"
	if contents != "\n" {
		// 7.0+ export: the appliance hashes the UAR payload on its own and
		// digests the config with the payload swapped for "<path>,<digest>",
		// padded to the whitespace its serializer would have emitted.
		setCharData(uarData, "\n"+uarDataPrefix+hmacSHA1Hex(password, []byte(contents))+"\n          ")
	}

	config, err := findSingle(doc, tagConfig)
	if err != nil {
		return nil, err
	}
	return serializeElement(config)
}

// dropUAMDir removes the uam_dir element when present. Absence is fine:
// Sign strips the element from its output, so a document that has been
// through this tool once arrives here without it.
func dropUAMDir(doc *etree.Document) error {
	matches := doc.FindElements("//" + tagUAMDir)
	switch len(matches) {
	case 0:
		return nil
	case 1:
		removeWithWhitespace(matches[0])
		return nil
	default:
		return &StructureError{Element: tagUAMDir, Duplicate: true}
	}
}

// removeWithWhitespace detaches el from its parent along with the
// whitespace the export's pretty-printer put around it: the indentation
// run at the tail of the preceding text sibling and the newline opening
// the following one. What remains between the former neighbors is a
// single line break plus one indent, the same bytes the appliance
// serializer emits once the element is gone.
func removeWithWhitespace(el *etree.Element) {
	parent := el.Parent()
	if parent == nil {
		return
	}
	idx := el.Index()
	if idx > 0 {
		if cd, ok := parent.Child[idx-1].(*etree.CharData); ok && strings.TrimSpace(cd.Data) == "" {
			if cut := strings.LastIndexByte(cd.Data, '\n'); cut >= 0 {
				cd.Data = cd.Data[:cut+1]
			}
		}
	}
	if idx+1 < len(parent.Child) {
		if cd, ok := parent.Child[idx+1].(*etree.CharData); ok && strings.TrimSpace(cd.Data) == "" {
			cd.Data = strings.TrimPrefix(cd.Data, "\n")
		}
	}
	parent.RemoveChild(el)
}

// serializeElement serializes el and its subtree on their own, without
// the enclosing document or its XML declaration.
func serializeElement(el *etree.Element) ([]byte, error) {
	if parent := el.Parent(); parent != nil {
		parent.RemoveChild(el)
	}
	doc := etree.NewDocument()
	doc.SetRoot(el)
	return serialize(doc)
}

func hmacSHA1Hex(password string, message []byte) string {
	mac := hmac.New(sha1.New, []byte(password))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}
