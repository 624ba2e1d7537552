// Quotagate puts a monthly per-user quota in front of an OpenAI-compatible
// chat completion endpoint.
//
// Usage:
//
//	# Start the server
//	quotagate serve --config config.yaml
//
//	# Show a user's usage for the current month
//	quotagate usage user-123
//
//	# Grant or revoke the pro tier
//	quotagate set-pro user-123
//	quotagate set-pro user-123 --pro=false
//
//	# Mint a bearer token (jwt auth mode)
//	quotagate token user-123 --ttl 24h
package main

func main() {
	Execute()
}
