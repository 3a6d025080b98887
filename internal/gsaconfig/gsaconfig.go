package gsaconfig

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"strings"
)

// ComputeSignature returns the lowercase hex HMAC-SHA1 digest of the
// document's canonical config subtree under password. The digest is a
// pure function of the document bytes and the password.
func (d *Document) ComputeSignature(password string) (string, error) {
	canonical, err := canonicalBytes(d.raw, password)
	if err != nil {
		return "", err
	}
	return hmacSHA1Hex(password, canonical), nil
}

// Sign computes the signature and embeds it as the character data of the
// <signature> element, then replaces the document's content with the
// full serialized tree. The uam_dir element is dropped from the output
// as well: 7.x appliances reject an import that carries it, and the
// digest was computed without it anyway. The appliance wants <eef> on
// its own line, so a newline goes in front of the root tag when
// serialization left it on the XML declaration's line.
func (d *Document) Sign(password string) error {
	digest, err := d.ComputeSignature(password)
	if err != nil {
		return err
	}
	doc, err := parse(d.raw)
	if err != nil {
		return err
	}
	sig, err := findSingle(doc, tagSignature)
	if err != nil {
		return err
	}
	if err := dropUAMDir(doc); err != nil {
		return err
	}
	setCharData(sig, digest)
	out, err := serialize(doc)
	if err != nil {
		return err
	}
	d.raw = rootOnOwnLine(out)
	return nil
}

// Verify reports whether the embedded signature matches the digest
// computed under password. The stored value may carry surrounding
// whitespace and line feeds, so containment of the 40-char digest is the
// test. A mismatch is a normal negative result, never an error.
func (d *Document) Verify(password string) (bool, error) {
	digest, err := d.ComputeSignature(password)
	if err != nil {
		return false, err
	}
	doc, err := parse(d.raw)
	if err != nil {
		return false, err
	}
	sig, err := findSingle(doc, tagSignature)
	if err != nil {
		return false, err
	}
	return strings.Contains(sig.Text(), digest), nil
}

// WriteFile writes the document to path. An existing file is left
// untouched and reported as an AlreadyExistsError.
func (d *Document) WriteFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return &AlreadyExistsError{Path: path}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, d.raw, 0644)
}

func rootOnOwnLine(b []byte) []byte {
	idx := bytes.Index(b, []byte("<"+tagRoot+">"))
	if idx <= 0 || b[idx-1] == '\n' {
		return b
	}
	out := make([]byte, 0, len(b)+1)
	out = append(out, b[:idx]...)
	out = append(out, '\n')
	out = append(out, b[idx:]...)
	return out
}
