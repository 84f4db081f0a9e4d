package models

// Store is one retail location as reported by the upstream commerce API.
type Store struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}
