// Package access decides which of a tenant's accounts a user may see.
//
// Grants come in four scope variants. ALL_ACCOUNTS covers every account,
// including ones created later. SINGLE_ACCOUNT and ACCOUNT_LIST name
// accounts from the tenant directory. CRM_REPORT points at a report or list
// in a CRM and carries a cached copy of its membership that Syncer refreshes.
// A failed sync keeps the previous cache so a CRM outage never removes
// access that was already granted.
package access
