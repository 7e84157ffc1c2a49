// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package internal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogAlsoToFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "test.log")
	require.NoError(t, LogAlsoToFile(name))
	_, err := LogPrintf("ministack %d\n", 3)
	require.NoError(t, err)
	_, err = LogWriter().Write([]byte("done\n"))
	require.NoError(t, err)
	LogSync()

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	require.Equal(t, "ministack 3\ndone\n", string(data))

	require.Error(t, LogAlsoToFile(filepath.Join(t.TempDir(), "missing", "x.log")))
	_, err = LogPrintln("stdout only")
	require.NoError(t, err)
}
