package smime

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirosfoundation/go-as2/pkg/mime"
)

func newHash(alg string) (hash.Hash, error) {
	switch NormalizeDigest(alg) {
	case "md5":
		return md5.New(), nil
	case "", "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha384":
		return sha512.New384(), nil
	case "sha512":
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("%w: digest %q", ErrUnsupportedAlgorithm, alg)
}

// MIC returns "<base64 digest>, <alg>" for the file at path. For a
// multipart/signed entity the digest covers the signed first part, headers
// included; otherwise it covers the whole file.
func MIC(path, alg string) (string, error) {
	h, err := newHash(alg)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}

	content := data
	headers, _ := mime.SplitEntity(data)
	if mt, _ := mime.ParseMediaType(headers.Value("Content-Type")); mt == mime.TypeMultipartSigned {
		entity, err := mime.Parse(data)
		if err != nil {
			return "", err
		}
		if len(entity.Parts) == 0 {
			return "", fmt.Errorf("signed entity without content part")
		}
		content = entity.Parts[0].Raw()
	}

	h.Write(content)
	name := MicAlg(alg)
	if name == "" {
		name = "sha1"
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)) + ", " + name, nil
}

// Extract parses the entity at in and writes each payload into dir.
// Signature parts are skipped.
func Extract(in, dir string) ([]Attachment, error) {
	entity, err := mime.ParseFile(in)
	if err != nil {
		return nil, err
	}

	var out []Attachment
	used := map[string]bool{}
	for i, leaf := range entity.Leaves() {
		mt, _ := leaf.MediaType()
		if mt == mime.TypePKCS7Signature {
			continue
		}
		name := safeName(leaf.Filename())
		if name == "" {
			name = "payload-" + strconv.Itoa(i)
		}
		for n := 1; used[name]; n++ {
			name = fmt.Sprintf("%d-%s", n, safeName(leaf.Filename()))
		}
		used[name] = true

		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, leaf.Body, 0o600); err != nil {
			return nil, fmt.Errorf("writing attachment: %w", err)
		}
		out = append(out, Attachment{
			Path:     path,
			MimeType: leaf.Header.Value("Content-Type"),
			Filename: leaf.Filename(),
			Encoding: leaf.TransferEncoding(),
		})
	}
	return out, nil
}

func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
