// The main package for the topic-crawler executable.
package main

import (
	"github.com/JakeFAU/topic-crawler/cmd"
)

func main() {
	cmd.Execute()
}
