package models

// User is a local address the client syncs for.
type User struct {
	Address   string  `json:"address"`
	PublicKey string  `json:"public_key"`
	SavedPos  Counter `json:"saved_pos"`
}

// SignedString is a cached signature over one canonical request text.
type SignedString struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
