package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Action is something a character can do at a location in the game world.
type Action struct {
	ActionID    int    `yaml:"actionId"`
	ActionName  string `yaml:"actionName"`
	Description string `yaml:"description"`
	Location    string `yaml:"location"`
}

// Character is a simulated NPC as described in the character file.
type Character struct {
	NPCID            int      `yaml:"npcId"`
	Name             string   `yaml:"name"`
	Description      string   `yaml:"description"`
	AvailableActions []Action `yaml:"availableActions"`
}

// CharacterFile mirrors the on-disk character YAML document.
type CharacterFile struct {
	Characters []Character `yaml:"npcCharacters"`
}

// KeyEvent is a scripted story beat an NPC can bring up in conversation.
type KeyEvent struct {
	ID      string   `yaml:"id"`
	Intro   string   `yaml:"intro"`
	Details []string `yaml:"details"`
}

// NPCEvents groups the key events of a single NPC.
type NPCEvents struct {
	NPCID  int        `yaml:"npcId"`
	Events []KeyEvent `yaml:"events"`
}

// KeyEventFile mirrors the on-disk key-event YAML document.
type KeyEventFile struct {
	NPCEvents []NPCEvents `yaml:"npcEvents"`
}

// LoadCharacters reads the character YAML file.
func LoadCharacters(path string) ([]Character, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read characters %s: %w", path, err)
	}
	var f CharacterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse characters %s: %w", path, err)
	}
	return f.Characters, nil
}

// LoadKeyEvents reads the key-event YAML file. A missing file yields no
// events rather than an error, since most NPCs have none.
func LoadKeyEvents(path string) ([]NPCEvents, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key events %s: %w", path, err)
	}
	var f KeyEventFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse key events %s: %w", path, err)
	}
	return f.NPCEvents, nil
}
