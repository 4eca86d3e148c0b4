// Command pmbot schedules a planned project's modules across local and cloud
// model backends.
package main

func main() {
	Execute()
}
