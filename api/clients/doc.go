/*
Package clients implements api.AdminService over HTTP.

AdminClient retries transport errors and 5xx responses a bounded number of
times through go-retryablehttp; 4xx responses are returned immediately since
they carry protocol meaning (approval pending, key not registered).

ResolveAdminURL locates the service through a DNS SRV record when no fixed
URL is configured.
*/
package clients
