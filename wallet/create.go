package wallet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"relaychat/crypto"
)

// Create generates a signing wallet, and an RSA wallet when passwordRSA is
// non-empty, and stores them encrypted under folder. It returns the address.
func Create(folder, password, passwordRSA string) (string, error) {
	if password == "" {
		return "", errors.New("password is required")
	}

	signing, err := crypto.GenerateSigningKey()
	if err != nil {
		return "", err
	}
	defer signing.Zero()

	address := signing.Address()
	raw := signing.Bytes()
	err = crypto.SaveEncryptedKey(crypto.SigningKeyPath(folder, address), crypto.KeyKindSigning, raw, password)
	crypto.Wipe(raw)
	if err != nil {
		return "", err
	}

	if passwordRSA != "" {
		rsaKey, err := crypto.GenerateRSAKey(crypto.DefaultRSABits)
		if err != nil {
			return "", err
		}
		defer rsaKey.Zero()

		rawRSA := rsaKey.Bytes()
		err = crypto.SaveEncryptedKey(crypto.RSAKeyPath(folder, address), crypto.KeyKindRSA, rawRSA, passwordRSA)
		crypto.Wipe(rawRSA)
		if err != nil {
			return "", err
		}
	}

	return address, nil
}

// List returns the addresses with a signing wallet in folder.
func List(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read wallet folder: %w", err)
	}

	addresses := make([]string, 0)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".key" || strings.HasSuffix(name, ".rsa.key") {
			continue
		}
		addresses = append(addresses, strings.TrimSuffix(name, ".key"))
	}
	sort.Strings(addresses)
	return addresses, nil
}
