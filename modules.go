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

// Import packages for the side effect of module registration (each
// package's init() calls module.Register/module.RegisterEndpoint).
import (
	_ "github.com/courierd/courier/internal/auth/pass_table"
	_ "github.com/courierd/courier/internal/check/command"
	_ "github.com/courierd/courier/internal/check/dkim"
	_ "github.com/courierd/courier/internal/check/dnsbl"
	_ "github.com/courierd/courier/internal/check/milter"
	_ "github.com/courierd/courier/internal/check/rspamd"
	_ "github.com/courierd/courier/internal/check/spf"
	_ "github.com/courierd/courier/internal/endpoint/smtp"
	_ "github.com/courierd/courier/internal/modify"
	_ "github.com/courierd/courier/internal/modify/dkim"
	_ "github.com/courierd/courier/internal/target/queue"
)
