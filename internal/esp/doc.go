// Package esp is a client for the Piano ESP HTTP API. Client handles URL
// building, authentication, retries and concurrent batch fetching; ESP adds the
// site-scoped campaign operations on top of it.
package esp
