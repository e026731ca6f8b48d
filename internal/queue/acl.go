package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ACLRules returns the ACL SETUSER rules that confine a credential to one fleet's keys
// and channels. Administrative and dangerous commands are denied.
func ACLRules(fleet string) []string {
	return []string{
		"on",
		"resetkeys",
		"resetchannels",
		"~" + fleet + ":*",
		"&" + fleet + ":*",
		"+@all",
		"-@admin",
		"-@dangerous",
	}
}

// ProvisionACL creates or updates the fleet user using an administrative client.
func ProvisionACL(ctx context.Context, admin *redis.Client, fleet, user, password string) error {
	if err := ValidateFleet(fleet); err != nil {
		return err
	}
	if user == "" || password == "" {
		return fmt.Errorf("queue: acl user and password are required")
	}
	args := []any{"ACL", "SETUSER", user, "reset", ">" + password}
	for _, r := range ACLRules(fleet) {
		args = append(args, r)
	}
	if err := admin.Do(ctx, args...).Err(); err != nil {
		return fmt.Errorf("acl setuser %s: %w", user, err)
	}
	return nil
}
