package webhook

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"net/http"
	"regexp"
	"strings"
)

// SignatureCandidate is one signature extracted from the request
// headers, optionally tagged with the algorithm the sender named.
type SignatureCandidate struct {
	Algorithm string
	Signature string
}

// Senders disagree on how webhooks are signed, so inference tries the
// common digest algorithms when the header does not name one.
var defaultAlgorithms = []string{"sha256", "sha1", "sha512"}

var signatureEntryPattern = regexp.MustCompile(`([A-Za-z0-9_-]+)\s*=\s*([^,;]+)`)

// InferTokenFromSignature finds which of the known tokens produced a
// signature present in the headers. It tries every *signature* header,
// HMAC first and then plain hashes over common token/body combinations,
// comparing against hex, base64 and base64url encodings in constant
// time. Returns the matching token, or "" when nothing matches.
func InferTokenFromSignature(headers http.Header, rawBody []byte, knownTokens []string) string {
	candidates := ExtractSignatureCandidates(headers)
	if len(candidates) == 0 {
		return ""
	}

	tokens := make([]string, 0, len(knownTokens))
	seen := make(map[string]struct{}, len(knownTokens))
	for _, token := range knownTokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}
	if len(tokens) == 0 {
		return ""
	}

	for _, candidate := range candidates {
		signature := strings.TrimSpace(candidate.Signature)
		if signature == "" {
			continue
		}

		algorithms := defaultAlgorithms
		if candidate.Algorithm != "" {
			if normalized := normalizeAlgorithm(candidate.Algorithm); normalized != "" {
				algorithms = []string{normalized}
			}
		}

		for _, algorithm := range algorithms {
			newHash := hashConstructor(algorithm)
			if newHash == nil {
				continue
			}
			for _, token := range tokens {
				for _, digest := range candidateDigests(newHash, token, rawBody) {
					if matchesDigest(digest, signature) {
						return token
					}
				}
			}
		}
	}
	return ""
}

// ExtractSignatureCandidates collects signature values from every
// header whose name contains "signature". Values like
// "sha256=abc,v1=def" yield one candidate per entry; a bare value
// yields a single untagged candidate.
func ExtractSignatureCandidates(headers http.Header) []SignatureCandidate {
	var candidates []SignatureCandidate
	seen := make(map[string]struct{})

	push := func(candidate SignatureCandidate) {
		key := candidate.Algorithm + "|" + candidate.Signature
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		candidates = append(candidates, candidate)
	}

	for name, values := range headers {
		if !strings.Contains(strings.ToLower(name), "signature") {
			continue
		}
		for _, value := range values {
			for _, candidate := range parseSignatureValue(value) {
				push(candidate)
			}
		}
	}
	return candidates
}

func parseSignatureValue(value string) []SignatureCandidate {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}

	var entries []SignatureCandidate
	for _, match := range signatureEntryPattern.FindAllStringSubmatch(trimmed, -1) {
		signature := strings.TrimSpace(match[2])
		if signature == "" {
			continue
		}
		entries = append(entries, SignatureCandidate{
			Algorithm: strings.ToLower(strings.TrimSpace(match[1])),
			Signature: signature,
		})
	}
	if len(entries) == 0 {
		entries = append(entries, SignatureCandidate{Signature: trimmed})
	}
	return entries
}

func normalizeAlgorithm(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	switch {
	case trimmed == "":
		return ""
	case strings.HasPrefix(trimmed, "hmac-"):
		return strings.TrimPrefix(trimmed, "hmac-")
	case trimmed == "hmac":
		return "sha256"
	default:
		return trimmed
	}
}

func hashConstructor(algorithm string) func() hash.Hash {
	switch algorithm {
	case "sha256":
		return sha256.New
	case "sha1":
		return sha1.New
	case "sha512":
		return sha512.New
	case "md5":
		return md5.New
	default:
		return nil
	}
}

// candidateDigests produces the digests a sender could plausibly have
// computed with this token: an HMAC over the body, and plain hashes of
// the token and token/body concatenations.
func candidateDigests(newHash func() hash.Hash, token string, rawBody []byte) [][]byte {
	var digests [][]byte
	seen := make(map[string]struct{})

	push := func(digest []byte) {
		key := hex.EncodeToString(digest)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		digests = append(digests, digest)
	}

	mac := hmac.New(newHash, []byte(token))
	mac.Write(rawBody)
	push(mac.Sum(nil))

	body := string(rawBody)
	for _, source := range []string{
		token,
		token + body,
		body + token,
		token + ":" + body,
		body + ":" + token,
	} {
		h := newHash()
		h.Write([]byte(source))
		push(h.Sum(nil))
	}
	return digests
}

func matchesDigest(digest []byte, signature string) bool {
	hexLower := hex.EncodeToString(digest)
	encodings := []string{
		hexLower,
		strings.ToUpper(hexLower),
		base64.StdEncoding.EncodeToString(digest),
		base64.RawStdEncoding.EncodeToString(digest),
		base64.URLEncoding.EncodeToString(digest),
		base64.RawURLEncoding.EncodeToString(digest),
	}

	matched := false
	lower := strings.ToLower(signature)
	for i, encoded := range encodings {
		probe := signature
		if i == 0 {
			probe = lower
		}
		if len(encoded) == len(probe) && subtle.ConstantTimeCompare([]byte(encoded), []byte(probe)) == 1 {
			matched = true
		}
	}
	return matched
}
