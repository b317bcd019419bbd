// Package ynab makes requests to the YNAB API
package ynab

import (
	"net/http"
)

const defaultBaseURL = "https://api.ynab.com/v1"

var (
	APICalls  float64 = 0
	APIErrors float64 = 0
)

type Ynab struct {
	client *http.Client
	token  string
	url    string
	cache  Cache
}

func New(client *http.Client, token string) *Ynab {
	return &Ynab{
		client: client,
		token:  token,
		url:    defaultBaseURL,
	}
}

// NewWithURL points the client at a non-default base URL. Used by tests.
func NewWithURL(client *http.Client, token, url string) *Ynab {
	return &Ynab{client: client, token: token, url: url}
}
