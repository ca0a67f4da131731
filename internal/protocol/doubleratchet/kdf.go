package doubleratchet

import (
	"e2e_sync/internal/cryptographic/kdf"
)

var (
	rootInfo   = []byte("RootKDF")
	chainInfo  = []byte("ChainKDF")
	chainInput = []byte("ChainInput")
)

// KDFRootKey derives a new RootKey and ChainKey from the old root key + DH output.
func KDFRootKey(rootKey, dhOut []byte) (newRootKey, newChainKey []byte, err error) {
	// old root key acts as salt, DH output is the input key material
	return kdf.Split(dhOut, rootKey, rootInfo)
}

// KDFChainKey derives the next ChainKey and a MessageKey.
func KDFChainKey(chainKey []byte) (nextChainKey, msgKey []byte, err error) {
	return kdf.Split(chainInput, chainKey, chainInfo)
}
