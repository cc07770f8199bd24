// Command conductor is the QA workflow orchestrator entrypoint.
package main

func main() {
	Execute()
}
