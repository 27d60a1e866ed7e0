package authy

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Header names carried by every OneTouch callback.
const (
	SignatureHeader = "X-Authy-Signature"
	NonceHeader     = "X-Authy-Signature-Nonce"
)

// Signer computes callback signatures with a shared key.
type Signer struct {
	key []byte
}

// NewSigner returns a Signer for the given key. The provider signs callbacks
// with the account API key.
func NewSigner(key string) Signer {
	return Signer{key: []byte(key)}
}

// Sign returns base64(HMAC-SHA256(key, nonce|METHOD|URL|params)), where
// params is the JSON body flattened into sorted, form-encoded bracket keys.
func (s Signer) Sign(nonce, method, rawURL string, body []byte) (string, error) {
	params, err := canonicalParams(body)
	if err != nil {
		return "", err
	}
	payload := strings.Join([]string{nonce, strings.ToUpper(method), rawURL, params}, "|")
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Valid reports whether signature matches the request. It is false for an
// empty key, signature or nonce, and for a body that is not a JSON object.
func (s Signer) Valid(signature, nonce, method, rawURL string, body []byte) bool {
	if len(s.key) == 0 || signature == "" || nonce == "" {
		return false
	}
	expected, err := s.Sign(nonce, method, rawURL, body)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ValidSignature is Signer.Valid for a one-off key.
func ValidSignature(key, signature, nonce, method, rawURL string, body []byte) bool {
	return NewSigner(key).Valid(signature, nonce, method, rawURL, body)
}

var errNotObject = errors.New("callback body is not a JSON object")

func canonicalParams(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("decode callback body: %w", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return "", errNotObject
	}

	var pairs []string
	flatten(obj, "", &pairs)
	for i, pair := range pairs {
		pairs[i] = formEncoding.Replace(pair)
	}
	sort.Strings(pairs)
	return arrayIndex.ReplaceAllString(strings.Join(pairs, "&"), "%5B%5D"), nil
}

// The provider signs the form encoding of the quoted pairs, with array
// positions collapsed to empty brackets after sorting.
var (
	formEncoding = strings.NewReplacer("/", "%2F", "%20", "+")
	arrayIndex   = regexp.MustCompile(`%5B[0-9]*%5D`)
)

func flatten(value any, prefix string, pairs *[]string) {
	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			name := quote(key)
			if prefix != "" {
				name = prefix + quote("["+key+"]")
			}
			flatten(child, name, pairs)
		}
	case []any:
		for i, child := range v {
			flatten(child, prefix+quote(fmt.Sprintf("[%d]", i)), pairs)
		}
	case bool:
		*pairs = append(*pairs, prefix+"="+quote(fmt.Sprint(v)))
	case nil:
		*pairs = append(*pairs, prefix+"=")
	default:
		*pairs = append(*pairs, prefix+"="+quote(fmt.Sprint(v)))
	}
}

// quote percent-encodes a key or value with spaces as %20 and slashes kept.
func quote(s string) string {
	escaped := url.QueryEscape(s)
	escaped = strings.ReplaceAll(escaped, "+", "%20")
	return strings.ReplaceAll(escaped, "%2F", "/")
}
