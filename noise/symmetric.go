package noise

import "fmt"

// SymmetricState carries the evolving chaining key and handshake hash of a
// Noise handshake, together with the temporary cipher used for encrypted
// handshake tokens.
type SymmetricState struct {
	ck Key
	h  [HashSize]byte
	cs CipherState
}

// NewSymmetricState initializes the state for a protocol name. Names of 32
// bytes or fewer are used directly, zero padded; longer names are hashed.
func NewSymmetricState(protocolName string) *SymmetricState {
	ss := &SymmetricState{}
	if len(protocolName) <= HashSize {
		copy(ss.h[:], protocolName)
	} else {
		ss.h = Hash([]byte(protocolName))
	}
	ss.ck = ss.h
	return ss
}

// MixHash updates h = HASH(h || data).
func (ss *SymmetricState) MixHash(data []byte) {
	ss.h = Hash(ss.h[:], data)
}

// MixKey mixes input key material into the chaining key and installs the
// derived temporary key: ck, temp = HKDF(ck, input).
func (ss *SymmetricState) MixKey(input []byte) error {
	keys, err := HKDF(&ss.ck, input, 2)
	if err != nil {
		return err
	}
	wipe(ss.ck[:])
	ss.ck = keys[0]
	err = ss.cs.initializeKey(keys[1])
	wipe(keys[1][:])
	return err
}

// EncryptAndHash encrypts plaintext with the temporary key, using the
// current hash as associated data, and mixes the ciphertext into the hash.
// Before any key is installed the plaintext passes through unencrypted.
func (ss *SymmetricState) EncryptAndHash(plaintext []byte) ([]byte, error) {
	if !ss.cs.HasKey() {
		ss.MixHash(plaintext)
		return plaintext, nil
	}
	ct, err := ss.cs.Encrypt(ss.h[:], plaintext)
	if err != nil {
		return nil, err
	}
	ss.MixHash(ct)
	return ct, nil
}

// DecryptAndHash reverses EncryptAndHash. The hash is only advanced when
// authentication succeeds.
func (ss *SymmetricState) DecryptAndHash(ciphertext []byte) ([]byte, error) {
	if !ss.cs.HasKey() {
		ss.MixHash(ciphertext)
		return ciphertext, nil
	}
	pt, err := ss.cs.Decrypt(ss.h[:], ciphertext)
	if err != nil {
		return nil, err
	}
	ss.MixHash(ciphertext)
	return pt, nil
}

// Split derives the two transport cipher states from the chaining key.
func (ss *SymmetricState) Split() (*CipherState, *CipherState, error) {
	keys, err := HKDF(&ss.ck, nil, 2)
	if err != nil {
		return nil, nil, err
	}

	c1, err := NewCipherState(keys[0])
	if err != nil {
		return nil, nil, fmt.Errorf("noise: split failed: %w", err)
	}
	c2, err := NewCipherState(keys[1])
	if err != nil {
		return nil, nil, fmt.Errorf("noise: split failed: %w", err)
	}
	wipe(keys[0][:])
	wipe(keys[1][:])
	return c1, c2, nil
}

// Hash returns the current handshake hash.
func (ss *SymmetricState) Hash() [HashSize]byte {
	return ss.h
}

// destroy wipes the chaining key and temporary cipher key.
func (ss *SymmetricState) destroy() {
	wipe(ss.ck[:])
	ss.cs.Clear()
}
