// cmd/soulrelay/main.go
package main

func main() {
	Execute()
}
