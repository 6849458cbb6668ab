// protosim - protocol simulator service CLI entry point.
package main

func main() {
	Execute()
}
