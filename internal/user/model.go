package user

type ProfileRequest struct {
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
}

type PublicKeyRequest struct {
	PublicKey string `json:"publicKey"`
}

type PublicKeyResponse struct {
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey"`
}

type ContactRequest struct {
	UserID string `json:"userId"`
}
