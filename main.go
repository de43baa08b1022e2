// SPDX-License-Identifier: MPL-2.0

package main

import cmd "modgraph/cmd/modgraph"

func main() {
	cmd.Execute()
}
