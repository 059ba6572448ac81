package pgn

import (
	"strings"

	"github.com/notnil/chess"
)

// UCIDecoder converts one game's PGN into its mainline moves in UCI notation
// ("e2e4", "e7e8q"). Malformed input yields no moves instead of an error.
type UCIDecoder struct{}

// Decode returns the UCI moves of raw, or nil when raw cannot be parsed or
// contains no moves.
func (UCIDecoder) Decode(raw string) (moves []string) {
	defer func() {
		// the rules library panics on some corrupt movetext
		if recover() != nil {
			moves = nil
		}
	}()

	if strings.TrimSpace(raw) == "" {
		return nil
	}

	opt, err := chess.PGN(strings.NewReader(raw))
	if err != nil {
		return nil
	}
	game := chess.NewGame(opt)

	for _, move := range game.Moves() {
		moves = append(moves, move.String())
	}
	return moves
}
