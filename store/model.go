package store

type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
}

type Document struct {
	DocumentID    string `json:"document_id"`
	OwnerUsername string `json:"owner_username"`
	IsPublic      bool   `json:"is_public"`
}
