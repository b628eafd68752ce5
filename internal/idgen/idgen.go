// Package idgen generates lobby and user identifiers.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

var adjectives = []string{
	"amber", "bold", "blue", "brave", "bright", "calm", "clever", "cosmic", "crimson", "curly",
	"dusty", "eager", "fancy", "fuzzy", "gentle", "golden", "green", "happy", "hidden", "icy",
	"jolly", "kind", "lazy", "lucky", "mellow", "misty", "noble", "odd", "orange", "plucky",
	"proud", "quick", "quiet", "rapid", "red", "rusty", "shiny", "silent", "silver", "sleepy",
	"sly", "snowy", "sunny", "swift", "tall", "tidy", "violet", "warm", "wild", "witty",
}

var animals = []string{
	"badger", "bat", "bear", "bee", "bison", "cat", "cobra", "crab", "crane", "crow",
	"deer", "dingo", "dog", "dove", "duck", "eagle", "eel", "elk", "falcon", "ferret",
	"finch", "fox", "frog", "gecko", "goat", "goose", "hare", "hawk", "heron", "horse",
	"ibis", "koala", "lemur", "lion", "llama", "lynx", "mole", "moose", "mouse", "newt",
	"otter", "owl", "panda", "puma", "quail", "raven", "seal", "shark", "tiger", "wolf",
}

// maxSuffix bounds the numeric part of a lobby id.
const maxSuffix = 100

var lobbyIDPattern = regexp.MustCompile(`^[a-z]+-[a-z]+-[0-9]{1,2}$`)

// NewLobbyID returns a human-readable id such as "blue-fox-12".
func NewLobbyID() (string, error) {
	adj, err := pick(len(adjectives))
	if err != nil {
		return "", err
	}
	animal, err := pick(len(animals))
	if err != nil {
		return "", err
	}
	n, err := pick(maxSuffix)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%d", adjectives[adj], animals[animal], n), nil
}

// IsLobbyID reports whether s has the shape produced by NewLobbyID.
func IsLobbyID(s string) bool {
	return lobbyIDPattern.MatchString(s)
}

func pick(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
