// Command shadowctl runs shadow page-table sandboxes and controls them over
// HTTP.
package main

import "github.com/sarchlab/vmshadow/shadowctl/cmd"

func main() {
	cmd.Execute()
}
