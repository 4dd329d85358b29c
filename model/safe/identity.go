package safe

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// NodeIdentity is a node's ed25519 keypair. The node's name is the SHA3-256
// digest of its public key, so the name (and therefore the age byte) is
// fixed at key generation time.
type NodeIdentity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
	name    XorName
}

// GenerateIdentity creates a fresh identity whose name carries the given
// age in its trailing byte. Keys are sampled until the derived name
// matches, which takes 256 attempts in expectation.
func GenerateIdentity(age uint8) (*NodeIdentity, error) {
	for {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("could not generate ed25519 key: %w", err)
		}
		name := NamedHash(pub)
		if name.Age() == age {
			return &NodeIdentity{Public: pub, private: priv, name: name}, nil
		}
	}
}

// GenerateMatchingIdentity creates a fresh identity whose name falls under
// the given prefix and carries the given age. Used by relocation, where the
// new name must land in the destination section. Expected cost grows with
// 2^(prefix length), which stays cheap at realistic section counts.
func GenerateMatchingIdentity(prefix Prefix, age uint8) (*NodeIdentity, error) {
	for {
		id, err := GenerateIdentity(age)
		if err != nil {
			return nil, err
		}
		if prefix.Matches(id.Name()) {
			return id, nil
		}
	}
}

// Name returns the node's name.
func (id *NodeIdentity) Name() XorName {
	return id.name
}

// Sign signs msg with the node's ed25519 key.
func (id *NodeIdentity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.private, msg)
}

// identityFile is the on-disk location of the node secret key, relative to
// the node root directory.
const identityFile = "identity/ed25519.key"

// LoadOrGenerateIdentity loads the node identity from rootDir, generating
// and persisting a fresh one with the given age if none exists.
func LoadOrGenerateIdentity(rootDir string, age uint8) (*NodeIdentity, error) {
	path := filepath.Join(rootDir, identityFile)

	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("corrupt identity file %s (%d bytes)", path, len(raw))
		}
		priv := ed25519.PrivateKey(raw)
		pub := priv.Public().(ed25519.PublicKey)
		return &NodeIdentity{Public: pub, private: priv, name: NamedHash(pub)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not read identity file: %w", err)
	}

	id, err := GenerateIdentity(age)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("could not create identity dir: %w", err)
	}
	if err := os.WriteFile(path, id.private, 0600); err != nil {
		return nil, fmt.Errorf("could not write identity file: %w", err)
	}
	return id, nil
}

// Save persists the identity under rootDir, replacing any existing key.
// Used by relocation, which retires the old name for a fresh one.
func (id *NodeIdentity) Save(rootDir string) error {
	path := filepath.Join(rootDir, identityFile)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("could not create identity dir: %w", err)
	}
	if err := os.WriteFile(path, id.private, 0600); err != nil {
		return fmt.Errorf("could not write identity file: %w", err)
	}
	return nil
}

// VerifyNodeSig checks an ed25519 signature against a public key and
// confirms the claimed name is the digest of that key.
func VerifyNodeSig(pub ed25519.PublicKey, name XorName, msg, sig []byte) error {
	if NamedHash(pub) != name {
		return NewError(KindInvalidSignature, "public key does not match claimed name %s", name)
	}
	if !ed25519.Verify(pub, msg, sig) {
		return NewError(KindInvalidSignature, "ed25519 signature invalid for %s", name)
	}
	return nil
}
