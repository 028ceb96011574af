package buildinfo

const ProjectName = "parlor"

const GithubParlorURL = "https://github.com/parlor-games/parlor"

const Graffiti = `
                     _
 _ __   __ _ _ __   | |  ___  _ __
| '_ \ / _` + "`" + ` | '__|  | | / _ \| '__|
| |_) | (_| | |     | || (_) | |
| .__/ \__,_|_|     |_| \___/|_|
|_|
`

const GreetingCLI = "%s relay %s\n%s\n\n"
