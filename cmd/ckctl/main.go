// Command ckctl is a manual smoke-test harness driving the library's
// message ABI end-to-end (certificate build/inspect, envelope
// build/parse, keyset query, user login) — the same role
// cmd/tester/main.go played for the teacher, rebuilt in this module's
// own domain. Per spec.md's Non-goals this is ambient tooling, not
// part of the core's implementation or testable surface.
package main

func main() {
	Execute()
}
