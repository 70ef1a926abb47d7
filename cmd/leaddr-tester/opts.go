// nolint: lll
package main

type options struct {
	Help       bool   `description:"Show this help message" long:"help"                                              short:"h"`
	Debug      bool   `description:"Enable debug logging"   long:"debug"                                             short:"v"`
	ConfigPath string `default:"./privacy.jsonc"            description:"Path to privacy config file"                long:"config"    short:"c"`
	Duration   string `default:"45m"                        description:"How long to run the rotation demonstration" long:"duration"  short:"t"`
	RpaOffload bool   `description:"Simulate a controller with hardware RPA rotation" long:"rpa-offload"`
}
