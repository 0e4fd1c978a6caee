package encryption

const (
	// AEADKeySize is the size of an AES-256 key in bytes.
	AEADKeySize = 32
	// AEADIVSize is the GCM nonce size used for at-rest bundles.
	AEADIVSize = 16
	// AEADSaltSize is the PBKDF2 salt size used for at-rest bundles.
	AEADSaltSize = 64
	// AEADTagSize is the size of a GCM authentication tag.
	AEADTagSize = 16

	// DefaultPBKDF2Iterations is the iteration count for DeriveKey.
	DefaultPBKDF2Iterations = 100000
	// MaxPBKDF2Iterations bounds the count a bundle may ask DecryptAEAD to run.
	MaxPBKDF2Iterations = 10000000

	// BallotNonceSize is the GCM nonce size used inside ballot envelopes.
	BallotNonceSize = 12

	// KeySize2048 and KeySize4096 are the only supported RSA modulus sizes.
	KeySize2048 = 2048
	KeySize4096 = 4096

	publicKeyPEMType  = "PUBLIC KEY"
	privateKeyPEMType = "PRIVATE KEY"
)
