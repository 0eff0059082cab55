package auth

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/mail"
	"regexp"
	"strings"
)

// usernameRegex matches [A-Za-z0-9._-]{1,64} starting with an alphanumeric character.
var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateEmail parses and normalizes an email address, returning the
// normalized form and domain. Returns ErrInvalidEmail if the format is invalid.
func ValidateEmail(email string) (normalized, domain string, err error) {
	addr, parseErr := mail.ParseAddress(email)
	if parseErr != nil {
		return "", "", ErrInvalidEmail
	}

	normalized = strings.ToLower(addr.Address)

	parts := strings.SplitN(normalized, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidEmail
	}

	return normalized, parts[1], nil
}

// ValidateUsername checks that a username is 1-64 characters, starts with an alphanumeric character, and otherwise
// contains only letters, digits, periods, hyphens, and underscores. This set is deliberately compatible with LDAP/AD
// sAMAccountName and directory-sync provider usernames.
func ValidateUsername(username string) error {
	if len(username) == 0 || len(username) > 64 {
		return ErrUsernameLength
	}
	if !usernameRegex.MatchString(username) {
		return ErrUsernameInvalidChars
	}
	return nil
}

// ValidatePassword checks that a password is between 8 and 128 characters.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	if len(password) > 128 {
		return ErrPasswordTooLong
	}
	return nil
}

// OpenIDUsernameHandling selects how a username derived from an external OIDC claim is pruned to satisfy
// ValidateUsername before it is used to create or match a local account.
type OpenIDUsernameHandling string

const (
	OpenIDHandlingRemoveForbidden OpenIDUsernameHandling = "remove_forbidden"
	OpenIDHandlingReplaceForbidden OpenIDUsernameHandling = "replace_forbidden"
	OpenIDHandlingPruneEmailDomain OpenIDUsernameHandling = "prune_email_domain"
)

const maxPrunedUsernameLength = 64

func isValidUsernameChar(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
		c == '.' || c == '-' || c == '_'
}

func trimLeadingSpecial(s string) string {
	for i, c := range s {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			return s[i:]
		}
	}
	return ""
}

// PruneUsername applies the given handling policy to an externally-sourced username candidate. The result is either
// empty (when no usable character remains) or satisfies ValidateUsername: it starts with an alphanumeric character,
// contains only [A-Za-z0-9._-], and is at most 64 characters.
func PruneUsername(username string, handling OpenIDUsernameHandling) string {
	result := trimLeadingSpecial(username)

	switch handling {
	case OpenIDHandlingRemoveForbidden:
		result = RemoveForbidden(result)
	case OpenIDHandlingReplaceForbidden:
		result = ReplaceForbidden(result)
	case OpenIDHandlingPruneEmailDomain:
		result = PruneEmailDomain(result)
	}

	if len(result) > maxPrunedUsernameLength {
		result = result[:maxPrunedUsernameLength]
	}
	return result
}

// RemoveForbidden strips every character that is not alphanumeric, a period, hyphen, or underscore.
func RemoveForbidden(s string) string {
	var b strings.Builder
	for _, c := range s {
		if isValidUsernameChar(c) {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// ReplaceForbidden replaces every character that is not alphanumeric, a period, hyphen, or underscore with '_'.
func ReplaceForbidden(s string) string {
	var b strings.Builder
	for _, c := range s {
		if isValidUsernameChar(c) {
			b.WriteRune(c)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// PruneEmailDomain truncates the string at the first '@' (dropping the domain, as for an email-shaped claim) and then
// applies ReplaceForbidden to what remains.
func PruneEmailDomain(s string) string {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	return ReplaceForbidden(s)
}

// BuildStateToken generates an OIDC CSRF state token. When data is non-empty it is embedded in the token as
// base64("<random>.<data>"); ExtractStateData recovers it. A bare random token (data == "") is returned unencoded so
// that tokens without embedded data remain plain opaque strings, matching the OIDC library's default CsrfToken shape.
func BuildStateToken(random, data string) string {
	if data == "" {
		return random
	}
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s.%s", random, data)))
}

// ExtractStateData recovers the data portion embedded in a state token built by BuildStateToken. Returns ("", false)
// if the token is not valid base64, contains no '.', or the part before the first '.' is empty.
func ExtractStateData(state string) (string, bool) {
	decoded, err := base64.StdEncoding.DecodeString(state)
	if err != nil {
		return "", false
	}
	csrf, data, found := strings.Cut(string(decoded), ".")
	if !found || csrf == "" {
		return "", false
	}
	return data, true
}

// SplitIP describes how an IP address decomposes relative to its containing CIDR: the leading segments shared with
// every address in the network (network part), the trailing segments that vary per host (modifiable part), and the
// network's prefix length. Used by the network/device UI to render an address as "10.1.1.(7)/24".
type SplitIP struct {
	NetworkPart    string
	ModifiablePart string
	Prefix         string
}

// SplitIPAddress splits ip (which must belong to network) into SplitIP per the algorithm: walk the address's
// segments (octets for IPv4, 16-bit groups for IPv6) alongside the network address's and the network's broadcast
// address's corresponding segments; every leading segment where the network and broadcast addresses agree is fixed
// (network part), and the first segment where they diverge begins the modifiable part.
func SplitIPAddress(ip net.IP, network *net.IPNet) (SplitIP, error) {
	ones, _ := network.Mask.Size()

	var ip4, net4 net.IP
	isV4 := ip.To4() != nil && network.IP.To4() != nil
	if isV4 {
		ip4 = ip.To4()
		net4 = network.IP.To4()
	} else {
		ip4 = ip.To16()
		net4 = network.IP.To16()
		if ip4 == nil || net4 == nil {
			return SplitIP{}, fmt.Errorf("invalid IP address")
		}
	}

	broadcast := make(net.IP, len(net4))
	for i := range net4 {
		broadcast[i] = net4[i] | ^network.Mask[i]
	}

	var segLen int
	var delimiter string
	if isV4 {
		segLen = 1
		delimiter = "."
	} else {
		segLen = 2
		delimiter = ":"
	}

	format := func(seg []byte) string {
		if isV4 {
			return fmt.Sprintf("%d", seg[0])
		}
		return fmt.Sprintf("%02x%02x", seg[0], seg[1])
	}

	var networkPart, modifiablePart strings.Builder
	nSegments := len(net4) / segLen
	for i := 0; i < nSegments; i++ {
		start := i * segLen
		end := start + segLen
		if string(broadcast[start:end]) != string(net4[start:end]) {
			for j := i; j < nSegments; j++ {
				s := j * segLen
				e := s + segLen
				if j > i {
					modifiablePart.WriteString(delimiter)
				}
				modifiablePart.WriteString(format(ip4[s:e]))
			}
			break
		}
		networkPart.WriteString(format(ip4[start:end]))
		networkPart.WriteString(delimiter)
	}

	return SplitIP{
		NetworkPart:    networkPart.String(),
		ModifiablePart: modifiablePart.String(),
		Prefix:         fmt.Sprintf("%d", ones),
	}, nil
}
