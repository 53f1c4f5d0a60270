// authctl is the operator CLI for the auth service: migrations, session inspection,
// forced sign-out, principal management and audit queries.
package main

import "fieldops-auth/backend/cmd/authctl/cmd"

func main() {
	cmd.Execute()
}
