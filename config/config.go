// Package config loads application configuration from the environment, from
// a JSON file, or from a Rigel schema store backed by etcd. Services pick a
// source at startup and decode it into their own config struct.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/remiges-tech/rigel"
	"github.com/remiges-tech/rigel/etcd"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Config is an interface that represents a source from which application configuration can be loaded.
type Config interface {
	LoadConfig(c any) error
	Check() error
	Get(key string) (string, error)
}

// Load first ensures that the config source is valid and accessible. Then it loads the config into c.
func Load(cs Config, c any) error {
	if err := cs.Check(); err != nil {
		return err
	}
	return cs.LoadConfig(c)
}

// File loads configuration from a JSON file on disk.
type File struct {
	ConfigFilePath string
	Config         map[string]any
}

func (f *File) Check() error {
	if f.ConfigFilePath == "" {
		return fmt.Errorf("configFilePath cannot be empty")
	}

	return nil
}

func newFile(configFilePath string) (*File, error) {
	file := &File{ConfigFilePath: configFilePath}

	if err := file.Check(); err != nil {
		return nil, err
	}

	return file, nil
}

func (f *File) LoadConfig(appConfig any) error {
	filePath := f.ConfigFilePath
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	return decoder.Decode(appConfig)
}

type ValueNotStringError struct {
	Key   string
	Value interface{}
}

func (e *ValueNotStringError) Error() string {
	return fmt.Sprintf("value for key %s is not a string: %v", e.Key, e.Value)
}

type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key %s not found in config", e.Key)
}

// Get retrieves a value from the configuration based on the provided key.
// The file is decoded into the key map on first use. If the value is a
// string, it is returned as is. If the value is not a string, it is
// converted to a string using fmt.Sprintf and returned along with the error
// ValueNotStringError. If the key is not found in the configuration, an
// error of type KeyNotFoundError is returned.
func (f *File) Get(key string) (string, error) {
	if f.Config == nil {
		if err := f.LoadConfig(&f.Config); err != nil {
			return "", err
		}
	}

	value, ok := f.Config[key]
	if !ok {
		return "", &KeyNotFoundError{Key: key}
	}

	strValue := fmt.Sprintf("%v", value)

	strValueAsserted, ok := value.(string)
	if !ok {
		return strValue, &ValueNotStringError{Key: key, Value: value}
	}

	return strValueAsserted, nil
}

const rigelCallTimeout = 5 * time.Second

// Rigel loads configuration from a Rigel schema store. The client carries
// the app, module, schema version and config name it was created with.
type Rigel struct {
	Client *rigel.Rigel
}

func (r *Rigel) Check() error {
	if r.Client == nil {
		return fmt.Errorf("rigel client cannot be nil")
	}

	return nil
}

func (r *Rigel) LoadConfig(config any) error {
	ctx, cancel := context.WithTimeout(context.Background(), rigelCallTimeout)
	defer cancel()
	return r.Client.LoadConfig(ctx, config)
}

func (r *Rigel) Get(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rigelCallTimeout)
	defer cancel()
	return r.Client.Get(ctx, key)
}

// NewRigelClient connects to etcd and returns a Rigel client bound to the
// given app, module, schema version and config name. etcdEndpoints is a
// comma separated list of endpoints.
func NewRigelClient(etcdEndpoints, app, module string, version int, configName string) (*rigel.Rigel, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(etcdEndpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	etcdStorage := &etcd.EtcdStorage{Client: cli}

	return rigel.New(etcdStorage, app, module, version, configName), nil
}
