// The main package for the e14-scraper executable.
package main

import (
	"github.com/JakeFAU/e14-scraper/cmd"
)

func main() {
	cmd.Execute()
}
