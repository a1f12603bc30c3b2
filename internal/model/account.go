package model

import "strings"

// Account is a mailbox identity that the worker synchronizes.
type Account struct {
	// Address is the SMTP address of the mailbox. It is unique within a
	// run and doubles as the access principal of every document produced
	// for the account.
	Address string `json:"address"`
}

// String returns the account address.
func (a Account) String() string {
	return a.Address
}

// ParseAccounts turns a list of raw addresses into accounts, trimming
// whitespace and dropping empty and duplicate entries while keeping the
// first-seen order.
func ParseAccounts(raw []string) []Account {
	seen := make(map[string]bool, len(raw))
	accounts := make([]Account, 0, len(raw))
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			addr := strings.ToLower(strings.TrimSpace(part))
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			accounts = append(accounts, Account{Address: addr})
		}
	}
	return accounts
}
