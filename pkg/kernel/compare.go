package kernel

import "crypto/subtle"

// ConstantTimeEqual is the constant-time byte comparison shared by the
// certificate serial-number comparison (Certificate.CompareAttribute)
// and the trust store's duplicate subject-key-id check (Manager.Add) so
// neither rolls its own.
func ConstantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
