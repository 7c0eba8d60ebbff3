// Package crm fetches the membership of CRM reports and lists.
//
// A CRM_REPORT account grant names a provider and a report id. The access
// package calls Registry.FetchReportMembers to refresh the grant's cached
// account ids. Failures are classified so callers can tell a provider outage
// (ErrTransient) or revoked credentials (ErrAuthRevoked) apart from a report
// that no longer exists (ErrReportNotFound).
package crm
