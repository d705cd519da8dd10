/*
Package permission owns capability grants for apps.

A Manager turns capability requests into durable, revocable grants. Low-risk
capabilities marked auto-grantable are granted silently; everything else
becomes a PendingRequest that an external consent surface resolves through
RespondToPermissionRequest, or that times out as a denial.

Grants are persisted one JSON file per app by the Store, and every decision is
appended to a rotating JSON-lines AuditLog.

# Lookup order

HasPermission matches, in order:

	permission:resource   exact resource grant
	permission            bare grant covering every resource
	category.*            wildcard grant for the whole category

Expired temporary grants never match.
*/
package permission
