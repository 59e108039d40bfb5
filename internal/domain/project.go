package domain

import (
	"strings"
	"time"
)

// Project is a connected source repository owned by an account.
type Project struct {
	ID            string
	AccountID     string
	Name          string
	RepositoryURL string
	IsConnected   bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (p Project) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return invalid("id", "project id is required")
	}
	if strings.TrimSpace(p.AccountID) == "" {
		return invalid("account_id", "account id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return invalid("name", "name is required")
	}
	if err := validateAbsoluteURL(strings.TrimSpace(p.RepositoryURL)); err != nil {
		return invalid("repository_url", err.Error())
	}
	return nil
}
