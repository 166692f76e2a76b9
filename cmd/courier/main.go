/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/courierd/courier"
	maddycli "github.com/courierd/courier/internal/cli"
)

func init() {
	// courier.Run itself parses -config/-log/-debug/-libexec/-v from the
	// stdlib flag package, so no cli.Flag is declared here - doing so would
	// register each flag with flag.CommandLine twice.
	maddycli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "start the server",
		Action: func(c *cli.Context) error {
			if code := courier.Run(); code != 0 {
				os.Exit(code)
			}
			return nil
		},
	})
}

func main() {
	maddycli.Run()
}
