package classify

import (
	"bytes"

	"github.com/procwatch/tender-crawler/internal/tender"
)

// htmlPrefixes mark payloads that open like an HTML document even when the
// response claimed to be a binary attachment.
var htmlPrefixes = [][]byte{
	[]byte("<!doctype html"),
	[]byte("<html"),
	[]byte("<?xml"),
}

// loginMarkers is the login-form vocabulary observed on the portal. Any one
// of them inside an HTML payload means the session was silently bounced to
// the login page despite the 200 status.
var loginMarkers = [][]byte{
	[]byte(`type="password"`),
	[]byte(`type='password'`),
	[]byte("login-form"),
	[]byte("loginform"),
	[]byte(`name="username"`),
	[]byte(`name="j_username"`),
	[]byte("prijava korisnika"),
	[]byte("lozinka"),
	[]byte("sign in to continue"),
}

// LooksLikeHTML reports whether the payload opens like an HTML document.
func LooksLikeHTML(data []byte) bool {
	head := bytes.ToLower(bytes.TrimLeft(data, " \t\r\n\xef\xbb\xbf"))
	if len(head) > 512 {
		head = head[:512]
	}
	for _, prefix := range htmlPrefixes {
		if bytes.HasPrefix(head, prefix) {
			return true
		}
	}
	return false
}

// IsLoginPage reports whether the payload is the portal's login page rather
// than a real document. Status-code checking cannot catch this: the portal
// answers 200 and serves the form when the session is gone.
func IsLoginPage(data []byte) bool {
	if !LooksLikeHTML(data) {
		return false
	}
	lower := bytes.ToLower(data)
	for _, marker := range loginMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ValidateDocument classifies a downloaded payload. Order matters: the size
// floor and login-page check run before signature verification, because a
// bounced login page would otherwise surface as a type mismatch.
func ValidateDocument(data []byte, declaredName string, minBytes int) tender.ValidationStatus {
	if IsLoginPage(data) {
		return tender.ValidationLoginPage
	}
	if len(data) < minBytes {
		return tender.ValidationHTTPError
	}
	if !MatchesDeclaredName(data, declaredName) {
		return tender.ValidationTypeMismatch
	}
	return tender.ValidationValid
}
