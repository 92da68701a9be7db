/*
main.go - workshopctl entry point

PURPOSE:

	Maintenance CLI for a workshop engine store: seed demo datasets,
	inspect invoices, query the audit trail and list low stock parts.
	Operates directly on the configured store backend; the server does
	not need to be running.

SEE ALSO:
  - root.go: Command registration and store wiring
  - cmd/server/main.go: The HTTP server binary
*/
package main

func main() {
	Execute()
}
