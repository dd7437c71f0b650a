// Command recall runs the tiered conversational memory service and its
// maintenance tasks.
package main

func main() {
	Execute()
}
