package license

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// publicKeyArmor is the license server's PGP public key, baked into the binary the same way the license server
// bakes its signing key's counterpart into every Core release: a license is only as trustworthy as the binary
// verifying it, so the key ships with the code rather than being configurable.
const publicKeyArmor = `-----BEGIN PGP PUBLIC KEY BLOCK-----

mI0EZ3ZfKQEEAKp7t6rldfVtMZ3x42cC+P7ZzF4OxuGlt/eDxoCzFpirCIwu1WY/
cpi+3zop0dovEBbIoYIHJVLwMxx/y/UzQ9H/3Vc0MZ3ZNwK+LRGugaOi6Y/Z6C3i
JjBJRMLi1rIU8TbYHE4QG6QUssDH74cE0s/WQjsEqkthkKwf5qv4/TgLABEBAAG0
HWRlZmd1YXJkLXRlc3QgPGRlZmd1YXJkQHRlc3Q+iNEEEwEIADsWIQSaLjwX4m6j
CO3NypmohGwBApqEhAUCZ3ZfKQIbAwULCQgHAgIiAgYVCgkICwIEFgIDAQIeBwIX
gAAKCRCohGwBApqEhONUA/9vnmAL8Roouk0GPeTKt9C/srXcmPtIadzoyEqGjsNI
Y1dpL7jhaKjY8sJtuNaCwTJ529w97fLM+SIeAMbwrK5naSdAIRqknn1h8a8VWkdX
isbqg9N/kMP891HyJZHM35VbHn1zFuJUh2gVzfIVaaAmC7YIMtmiAP5lYbrId/Ps
hw==
=6frq
-----END PGP PUBLIC KEY BLOCK-----
`

// verifySignature checks a detached PGP signature over data against the baked-in license server public key.
func verifySignature(data, signature []byte) error {
	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(publicKeyArmor))
	if err != nil {
		return fmt.Errorf("parse license server public key: %w", err)
	}

	_, err = openpgp.CheckDetachedSignature(keyring, bytes.NewReader(data), bytes.NewReader(signature), nil)
	if err != nil {
		return ErrSignatureMismatch
	}
	return nil
}
