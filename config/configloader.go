package config

import (
	"fmt"
	"strings"

	"github.com/remiges-tech/rigel"
	"github.com/remiges-tech/rigel/etcd"
)

// LoadConfigFromFile decodes the JSON file at filePath into appConfig.
func LoadConfigFromFile(filePath string, appConfig any) error {
	configSource, err := newFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file config source: %w", err)
	}

	if err := Load(configSource, appConfig); err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	return nil
}

// LoadConfigFromRigel fetches the named config from a Rigel store and
// decodes it into appConfig.
func LoadConfigFromRigel(etcdEndpoints, app, module string, version int, configName string, appConfig any) error {
	etcdStorage, err := etcd.NewEtcdStorage(strings.Split(etcdEndpoints, ","))
	if err != nil {
		return fmt.Errorf("failed to create etcd storage: %w", err)
	}

	configSource := &Rigel{Client: rigel.New(etcdStorage, app, module, version, configName)}

	if err := Load(configSource, appConfig); err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	return nil
}
