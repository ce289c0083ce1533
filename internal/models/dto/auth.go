package dto

import "github.com/hongminglow/all-in-ledger/internal/models"

type RegisterRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	PhoneNumber string `json:"phoneNumber"`
	Password    string `json:"password"`
	AccountType string `json:"account_type"`
	DateOfBirth string `json:"date_of_birth"`
	Gender      string `json:"gender"`
}

type RegisterResponse struct {
	User    models.User    `json:"user"`
	Account models.Account `json:"account"`
}

type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type LoginResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}
