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

package courier

var (
	// ConfigDirectory specifies the platform-specific location of the
	// default configuration file.
	ConfigDirectory = "/etc/courier"

	// DefaultStateDirectory is the platform-specific default for
	// config.StateDirectory.
	DefaultStateDirectory = "/var/lib/courier"

	// DefaultRuntimeDirectory is the platform-specific default for
	// config.RuntimeDirectory.
	DefaultRuntimeDirectory = "/run/courier"

	// DefaultLibexecDirectory is the platform-specific default for
	// config.LibexecDirectory.
	DefaultLibexecDirectory = "/usr/lib/courier"
)
